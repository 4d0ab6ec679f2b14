package call

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ent0n29/voicecall/internal/chat"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/transcript"
	"github.com/ent0n29/voicecall/internal/voice"
)

// handleFinal records a final utterance and queues it for the turn worker.
func (o *Orchestrator) handleFinal(res *callResources, text string) {
	if !o.appendEntry(res.gen, transcript.SpeakerUser, text) {
		return
	}
	select {
	case res.turns <- text:
	case <-res.ctx.Done():
	default:
		log.Printf("call: turn queue full generation=%d, dropping utterance", res.gen)
		o.publishError(res.gen, "turn_dropped", "chat", true, "turn queue full")
	}
}

func (o *Orchestrator) handleInterim(gen uint64, text string) {
	if !o.current(gen) {
		return
	}
	o.hub.publish(protocol.STTPartial{
		Type:       protocol.TypeSTTPartial,
		Generation: gen,
		Text:       text,
		TSMs:       time.Now().UnixMilli(),
	})
}

// runTurns answers utterances one at a time, in arrival order, for the life of the call.
func (o *Orchestrator) runTurns(res *callResources) {
	for {
		select {
		case <-res.ctx.Done():
			return
		case text := <-res.turns:
			o.runTurn(res.gen, text)
		}
	}
}

// runTurn is not cancelled by EndCall. A reply that resolves after the call is gone is
// dropped by the generation check.
func (o *Orchestrator) runTurn(gen uint64, text string) {
	var chatSessionID string
	if !o.mutate(gen, func(s *session.CallSession) error { chatSessionID = s.ChatSessionID; return nil }) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TurnTimeout)
	defer cancel()

	reply, err := o.cfg.Responder.Respond(ctx, chatSessionID, text, func(sentence string) {
		if o.current(gen) {
			o.speak(sentence)
		}
	})
	if !o.current(gen) {
		log.Printf("call: dropping late reply generation=%d", gen)
		return
	}

	switch {
	case err == nil:
		if !o.appendEntry(gen, transcript.SpeakerAgent, reply.Text) {
			return
		}
		if reply.Fallback {
			o.speak(reply.Text)
		} else {
			o.speak(voice.Remainder(reply.Text, reply.Spoken))
		}
	case errors.Is(err, chat.ErrStreamInterrupted):
		log.Printf("call: reply stream interrupted generation=%d: %v", gen, err)
		o.publishError(gen, "stream_interrupted", "chat", true, err.Error())
	case errors.Is(err, chat.ErrUnavailable):
		log.Printf("call: chat unavailable generation=%d: %v", gen, err)
		o.appendEntry(gen, transcript.SpeakerAgent, ApologyText)
		o.publishError(gen, "chat_unavailable", "chat", chat.IsRetryable(err), err.Error())
	case isContextErr(err):
		log.Printf("call: reply abandoned generation=%d: %v", gen, err)
	default:
		log.Printf("call: reply failed generation=%d: %v", gen, err)
		o.appendEntry(gen, transcript.SpeakerAgent, ApologyText)
		o.publishError(gen, "chat_failed", "chat", false, err.Error())
	}
}
