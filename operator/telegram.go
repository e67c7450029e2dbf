package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hexclaw/orchestrator/approval"
	"github.com/rs/zerolog"
)

// CommandHandlers are the core entry points a received bot command is
// dispatched to. Any nil handler makes that command reply with a
// "not connected" message instead of panicking — the bot transport may
// come up before the daemon has finished registering its callbacks.
type CommandHandlers struct {
	Recon       func(ctx context.Context, target string) error
	Orchestrate func(ctx context.Context, goal string) error
	Status      func(ctx context.Context) (string, error)
	Stats       func(ctx context.Context) (string, error)
	Data        func(ctx context.Context, question string) (string, error)
	Cancel      func(ctx context.Context, jobID string) error
}

// TelegramChannel implements Channel against the Telegram Bot API over
// bare net/http long-polling — no SDK exists anywhere in the pack, so
// this is the one ambient HTTP client built directly on net/http (see
// DESIGN.md for the "no ecosystem Telegram library" justification).
//
// Grounded on original_source/telegram.py's Notifier (send/send_file/
// send_report) and the module-level command handlers / _handle_callback
// (single allowlisted chat ID, colon-delimited callback_data).
type TelegramChannel struct {
	log          zerolog.Logger
	token        string
	chatID       int64
	allowedUsers map[string]bool
	gate         *approval.Gate
	handlers     CommandHandlers
	http         *http.Client
	lastUpdateID int64

	// apiBase defaults to the real Telegram API; overridable in tests.
	apiBase string
}

func NewTelegramChannel(token string, chatID int64, allowedUsers []string, gate *approval.Gate, handlers CommandHandlers, log zerolog.Logger) *TelegramChannel {
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[strings.TrimSpace(u)] = true
	}
	return &TelegramChannel{
		log:          log.With().Str("component", "operator-telegram").Logger(),
		token:        token,
		chatID:       chatID,
		allowedUsers: allowed,
		gate:         gate,
		handlers:     handlers,
		http:         &http.Client{Timeout: 30 * time.Second},
		apiBase:      "https://api.telegram.org",
	}
}

// SetHandlers registers the command handlers after construction, for
// the common wiring order where the daemon needs a channel to build
// itself before it can produce the handlers the channel dispatches to.
func (t *TelegramChannel) SetHandlers(handlers CommandHandlers) {
	t.handlers = handlers
}

func (t *TelegramChannel) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
}

func (t *TelegramChannel) SendText(ctx context.Context, markdown string) error {
	body := map[string]any{
		"chat_id":    t.chatID,
		"text":       truncate(markdown, maxMessageCodeUnits),
		"parse_mode": "Markdown",
	}
	return t.postJSON(ctx, "sendMessage", body, nil)
}

func (t *TelegramChannel) SendFile(ctx context.Context, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("operator: open file for telegram: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("chat_id", strconv.FormatInt(t.chatID, 10))
	if caption != "" {
		_ = writer.WriteField("caption", truncate(caption, 1024))
	}
	part, err := writer.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("operator: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("operator: copy file into form: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL("sendDocument"), &buf)
	if err != nil {
		return fmt.Errorf("operator: build sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("operator: sendDocument failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("operator: sendDocument status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// SendWithButtons renders buttons as an inline keyboard, one per row.
// Button.Payload becomes callback_data verbatim — the daemon and the
// dispatcher build the colon-delimited payloads that
// approval.ParseCallback reads back, but the channel itself treats
// payload as opaque.
func (t *TelegramChannel) SendWithButtons(ctx context.Context, prompt string, buttons []Button) error {
	var rows [][]map[string]string
	for _, b := range buttons {
		rows = append(rows, []map[string]string{{"text": b.Label, "callback_data": b.Payload}})
	}
	body := map[string]any{
		"chat_id":      t.chatID,
		"text":         truncate(prompt, maxMessageCodeUnits),
		"parse_mode":   "Markdown",
		"reply_markup": map[string]any{"inline_keyboard": rows},
	}
	return t.postJSON(ctx, "sendMessage", body, nil)
}

func (t *TelegramChannel) postJSON(ctx context.Context, method string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("operator: marshal %s body: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL(method), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("operator: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("operator: %s failed: %w", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("operator: %s status %d: %s", method, resp.StatusCode, string(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// update is the subset of Telegram's Update schema this channel reads.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"callback_query"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Poll runs the long-polling getUpdates loop until ctx is cancelled.
// Commands are parsed and dispatched to CommandHandlers; callback
// presses are parsed via approval.ParseCallback and resolved against
// the approval gate — this is the Go equivalent of
// original_source/telegram.py's Application.run_polling +
// _handle_callback.
func (t *TelegramChannel) Poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var resp updatesResponse
		body := map[string]any{"offset": t.lastUpdateID + 1, "timeout": 30}
		if err := t.postJSON(ctx, "getUpdates", body, &resp); err != nil {
			t.log.Warn().Err(err).Msg("getUpdates failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range resp.Result {
			t.lastUpdateID = u.UpdateID
			t.handleUpdate(ctx, u)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, u update) {
	if u.CallbackQuery != nil {
		t.handleCallback(u.CallbackQuery.Data)
		return
	}
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	if !t.isAllowed(u.Message.From.ID) {
		t.log.Warn().Int64("from", u.Message.From.ID).Msg("unauthorized command attempt")
		_ = t.SendText(ctx, "Unauthorized.")
		return
	}
	t.handleCommand(ctx, u.Message.Text)
}

func (t *TelegramChannel) isAllowed(userID int64) bool {
	if len(t.allowedUsers) == 0 {
		return true
	}
	return t.allowedUsers[strconv.FormatInt(userID, 10)]
}

func (t *TelegramChannel) handleCallback(data string) {
	action, id, choice, err := approval.ParseCallback(data)
	if err != nil {
		t.log.Warn().Err(err).Str("data", data).Msg("unknown callback data")
		return
	}
	outcomeAction := approval.Action(action)
	t.gate.Resolve(id, approval.Outcome{Action: outcomeAction, Choice: choice})
}

func (t *TelegramChannel) handleCommand(ctx context.Context, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	arg := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	notConnected := map[string]bool{
		"recon": t.handlers.Recon == nil, "orchestrate": t.handlers.Orchestrate == nil,
		"data": t.handlers.Data == nil, "cancel": t.handlers.Cancel == nil,
	}
	if notConnected[cmd] {
		_ = t.SendText(ctx, "Daemon not connected.")
		return
	}

	switch cmd {
	case "recon":
		t.dispatch(ctx, arg == "", "Usage: /recon <target>", func() error {
			return t.handlers.Recon(ctx, arg)
		})
	case "orchestrate":
		t.dispatch(ctx, arg == "", "Usage: /orchestrate <goal>", func() error {
			return t.handlers.Orchestrate(ctx, arg)
		})
	case "status":
		t.dispatchReply(ctx, t.handlers.Status)
	case "stats":
		t.dispatchReply(ctx, t.handlers.Stats)
	case "data":
		t.dispatch(ctx, arg == "", "Usage: /data <question>", func() error {
			reply, err := t.handlers.Data(ctx, arg)
			if err != nil {
				return err
			}
			return t.SendText(ctx, reply)
		})
	case "cancel":
		t.dispatch(ctx, arg == "", "Usage: /cancel <job_id>", func() error {
			return t.handlers.Cancel(ctx, arg)
		})
	case "help":
		_ = t.SendText(ctx, helpText)
	default:
		t.log.Debug().Str("cmd", cmd).Msg("unrecognised command")
	}
}

func (t *TelegramChannel) dispatch(ctx context.Context, usageErr bool, usage string, fn func() error) {
	if usageErr {
		_ = t.SendText(ctx, usage)
		return
	}
	if err := fn(); err != nil {
		t.log.Error().Err(err).Msg("command handler failed")
		_ = t.SendText(ctx, fmt.Sprintf("Error: %s", err))
	}
}

func (t *TelegramChannel) dispatchReply(ctx context.Context, fn func(context.Context) (string, error)) {
	if fn == nil {
		_ = t.SendText(ctx, "Daemon not connected.")
		return
	}
	reply, err := fn(ctx)
	if err != nil {
		_ = t.SendText(ctx, fmt.Sprintf("Error: %s", err))
		return
	}
	_ = t.SendText(ctx, reply)
}

const helpText = `*HexClaw Commands*

/orchestrate <goal> — orchestrate a multi-step workflow via goal
/recon <target> — run the full recon chain
/status — list running/queued jobs
/stats — inference usage dashboard
/data <question> — zero-inference analytics query, falls back to the LLM on a cache/prebuilt miss
/cancel <job_id> — cancel a running job
/help — show this message`
