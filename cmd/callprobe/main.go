package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/protocol"
)

type options struct {
	baseURL         string
	phoneNumber     string
	turns           int
	greetingTimeout time.Duration
	turnTimeout     time.Duration
	interTurnDelay  time.Duration
	texts           []string
	verbose         bool
}

var defaultUtterances = []string{
	"What does my policy cover?",
	"How do I file a claim?",
	"Can you check my claim status?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("callprobe", flag.ContinueOnError)
	var cfg options
	var textsRaw string
	var greetingMS, turnMS, interTurnMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8090", "voicecall base URL")
	fs.StringVar(&cfg.phoneNumber, "phone", "+15550100", "phone number used to start the call")
	fs.IntVar(&cfg.turns, "turns", 3, "number of utterances to send")
	fs.IntVar(&greetingMS, "greeting-timeout-ms", 25000, "timeout waiting for the greeting in milliseconds")
	fs.IntVar(&turnMS, "turn-timeout-ms", 45000, "timeout waiting for each agent reply in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 250, "delay between turns in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print every call event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.phoneNumber) == "" {
		return options{}, fmt.Errorf("phone is required")
	}
	if cfg.turns < 0 {
		return options{}, fmt.Errorf("turns must be >= 0")
	}
	if greetingMS < 1000 {
		greetingMS = 1000
	}
	if turnMS < 1000 {
		turnMS = 1000
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	cfg.greetingTimeout = time.Duration(greetingMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	httpClient := &http.Client{Timeout: 45 * time.Second}

	wsURL, err := eventsURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build events URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open events websocket: %w", err)
	}
	defer conn.Close()

	agentCh := make(chan protocol.TranscriptEntry, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, agentCh, readErrCh, cfg.verbose, out)

	started := time.Now()
	if err := post(ctx, httpClient, cfg.baseURL+"/v1/call/start", map[string]string{"phone_number": cfg.phoneNumber}, http.StatusOK); err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	defer func() {
		_ = post(context.Background(), httpClient, cfg.baseURL+"/v1/call/end", nil, http.StatusOK)
	}()

	greeting, err := awaitAgent(agentCh, readErrCh, cfg.greetingTimeout)
	if err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}
	fmt.Fprintf(out, "callprobe: greeting after %s: %q\n", time.Since(started).Round(time.Millisecond), greeting.Text)

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		sent := time.Now()
		if err := post(ctx, httpClient, cfg.baseURL+"/v1/call/utterance", map[string]string{"text": text}, http.StatusAccepted); err != nil {
			return fmt.Errorf("turn %d send utterance: %w", i+1, err)
		}
		reply, err := awaitAgent(agentCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		fmt.Fprintf(out, "callprobe: turn %d/%d reply after %s: %q\n", i+1, cfg.turns, time.Since(sent).Round(time.Millisecond), reply.Text)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Fprintln(out, "callprobe: completed")
	return nil
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/call/events"
	return u.String(), nil
}

func post(ctx context.Context, client *http.Client, target string, body any, want int) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != want {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// readLoop forwards agent transcript entries and prints the rest of the event stream.
func readLoop(conn *websocket.Conn, agentCh chan<- protocol.TranscriptEntry, readErrCh chan<- error, verbose bool, out io.Writer) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			continue
		}
		switch msg := ev.(type) {
		case protocol.TranscriptEntry:
			if verbose {
				fmt.Fprintf(out, "callprobe: [%s] %s\n", msg.Speaker, msg.Text)
			}
			if msg.Speaker == "agent" {
				select {
				case agentCh <- msg:
				default:
				}
			}
		case protocol.CallState:
			if verbose {
				fmt.Fprintf(out, "callprobe: state=%s connected=%t muted=%t\n", msg.State, msg.Connected, msg.Muted)
			}
		case protocol.ErrorEvent:
			fmt.Fprintf(out, "callprobe: error_event code=%s source=%s detail=%s\n", msg.Code, msg.Source, msg.Detail)
		}
	}
}

func awaitAgent(agentCh <-chan protocol.TranscriptEntry, readErrCh <-chan error, timeout time.Duration) (protocol.TranscriptEntry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case entry := <-agentCh:
		return entry, nil
	case err := <-readErrCh:
		return protocol.TranscriptEntry{}, err
	case <-timer.C:
		return protocol.TranscriptEntry{}, fmt.Errorf("timeout after %s", timeout)
	}
}
