package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/cursor-bridge/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected one of: submit, endpoint, status, logs, history, voice, credential, facts, version"

func main() {
	if err := run(os.Args[1:], os.Stdout, http.DefaultClient); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

type client struct {
	base string
	http *http.Client
	out  io.Writer
}

func run(args []string, out io.Writer, hc *http.Client) error {
	if len(args) < 1 {
		return usageError(usage)
	}
	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Fprintln(out, version)
		return nil
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", envOr("BRIDGE_ADDR", "http://127.0.0.1:3000"), "Bridge HTTP address")
	c := &client{http: hc, out: out}

	switch cmd {
	case "submit":
		mode := fs.String("mode", "", "Submission type: implement or kanban")
		natsURL := fs.String("nats", "", "Submit over NATS at this URL instead of HTTP")
		subject := fs.String("subject", protocol.SubjectRelaySubmit, "NATS subject for -nats")
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		message := strings.Join(fs.Args(), " ")
		if *natsURL != "" {
			return submitNATS(out, *natsURL, *subject, protocol.SubmitRequest{Message: message, Mode: *mode})
		}
		return c.call(http.MethodPost, "/api/relay/submit", map[string]string{"message": message, "mode": *mode})
	case "endpoint":
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		if fs.NArg() == 0 {
			return c.call(http.MethodGet, "/api/relay/endpoint", nil)
		}
		return c.call(http.MethodPut, "/api/relay/endpoint", map[string]string{"url": fs.Arg(0)})
	case "status":
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		return c.call(http.MethodGet, "/api/relay/status", nil)
	case "logs":
		follow := fs.Bool("follow", false, "Keep polling for new lines")
		interval := fs.Duration("interval", time.Second, "Poll interval for -follow")
		clearLog := fs.Bool("clear", false, "Clear the log instead of printing it")
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		if *clearLog {
			return c.call(http.MethodDelete, "/api/relay/logs", nil)
		}
		return c.logs(*follow, *interval)
	case "history":
		session := fs.String("session", "", "Show the events of one submission")
		limit := fs.Int("limit", 0, "Maximum rows")
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		q := url.Values{}
		if *session != "" {
			q.Set("session", *session)
		}
		if *limit > 0 {
			q.Set("limit", strconv.Itoa(*limit))
		}
		path := "/api/relay/history"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return c.call(http.MethodGet, path, nil)
	case "voice":
		mode := fs.String("mode", "", "Submission type for 'voice use'")
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		switch action := fs.Arg(0); action {
		case "":
			return c.call(http.MethodGet, "/api/voice", nil)
		case "start", "stop", "clear":
			return c.call(http.MethodPost, "/api/voice/"+action, nil)
		case "use":
			return c.call(http.MethodPost, "/api/voice/use", map[string]string{"mode": *mode})
		default:
			return usageError(fmt.Sprintf("unknown voice action %q", action))
		}
	case "credential":
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		switch action := fs.Arg(0); action {
		case "":
			return c.call(http.MethodGet, "/api/settings/credential", nil)
		case "set":
			return c.call(http.MethodPut, "/api/settings/credential", map[string]string{"api_key": fs.Arg(1)})
		case "clear":
			return c.call(http.MethodDelete, "/api/settings/credential", nil)
		default:
			return usageError(fmt.Sprintf("unknown credential action %q", action))
		}
	case "facts":
		limit := fs.Int("limit", -1, "Number of facts; omit for a single fact")
		if err := fs.Parse(rest); err != nil {
			return usageError(err.Error())
		}
		c.base = *addr
		if *limit < 0 {
			return c.call(http.MethodGet, "/api/cat-facts/single", nil)
		}
		return c.call(http.MethodGet, "/api/cat-facts/multiple?limit="+strconv.Itoa(*limit), nil)
	default:
		return usageError(fmt.Sprintf("unknown command %q; %s", cmd, usage))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.base, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return data, nil
}

// call prints the response body indented.
func (c *client) call(method, path string, body any) error {
	data, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = c.out.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(c.out)
	return err
}

type logPage struct {
	Lines []string `json:"lines"`
	Next  int      `json:"next"`
	Epoch int      `json:"epoch"`
}

// logs prints relay output lines. When following, an epoch change means the
// log was cleared and reading restarts from the top.
func (c *client) logs(follow bool, interval time.Duration) error {
	cursor, epoch := 0, -1
	for {
		data, err := c.do(http.MethodGet, "/api/relay/logs?since="+strconv.Itoa(cursor), nil)
		if err != nil {
			return err
		}
		var page logPage
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("decode logs: %w", err)
		}
		if epoch >= 0 && page.Epoch != epoch {
			epoch = page.Epoch
			cursor = 0
			continue
		}
		epoch = page.Epoch
		for _, line := range page.Lines {
			fmt.Fprintln(c.out, line)
		}
		cursor = page.Next
		if !follow {
			return nil
		}
		time.Sleep(interval)
	}
}

func submitNATS(out io.Writer, serverURL, subject string, req protocol.SubmitRequest) error {
	nc, err := nats.Connect(serverURL, nats.Name("bridgectl"), nats.Timeout(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := nc.Request(subject, data, 5*time.Second)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	var reply protocol.SubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	fmt.Fprintln(out, reply.ID)
	return nil
}
