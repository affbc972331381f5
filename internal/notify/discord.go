package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const discordTimeout = 5 * time.Second

var kindColors = map[Kind]int{
	KindWin:     0x2ecc71,
	KindLoss:    0xe74c3c,
	KindStatus:  0x0000ff,
	KindError:   0xff6600,
	KindInfo:    0x00ffff,
	KindSuccess: 0x2ecc71,
}

const defaultColor = 0x808080

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts events as webhook embeds.
type Discord struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewDiscord creates a Discord sink. A nil client uses a client with a
// short timeout. Posts are limited to Discord's webhook budget.
func NewDiscord(webhookURL string, client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: discordTimeout}
	}
	return &Discord{
		url:     webhookURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 5),
	}
}

// Send posts ev.
func (d *Discord) Send(ctx context.Context, ev Event) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{Embeds: []embed{toEmbed(ev)}})
	if err != nil {
		return fmt.Errorf("marshal embed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}

func toEmbed(ev Event) embed {
	color, ok := kindColors[ev.Kind]
	if !ok {
		color = defaultColor
	}
	e := embed{
		Title:       ev.Title,
		Description: ev.Message,
		Color:       color,
	}
	if !ev.Time.IsZero() {
		e.Timestamp = ev.Time.UTC().Format(time.RFC3339)
	}
	for _, f := range ev.Fields {
		e.Fields = append(e.Fields, embedField(f))
	}
	if ev.RoundID != 0 {
		e.Footer = &embedFooter{Text: fmt.Sprintf("Round %d", ev.RoundID)}
	}
	return e
}
