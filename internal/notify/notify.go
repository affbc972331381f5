// Package notify delivers round results and agent status to humans.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
)

// Kind classifies an event. Sinks use it for colors and prefixes.
type Kind string

// Event kinds.
const (
	KindWin     Kind = "win"
	KindLoss    Kind = "loss"
	KindStatus  Kind = "status"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
)

// Field is one labelled value of an event.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Event is a single notification.
type Event struct {
	Kind    Kind
	Title   string
	Message string
	RoundID uint64 // zero when not tied to a round
	Fields  []Field
	Time    time.Time
}

// Sink delivers events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Fire sends ev on its own goroutine and logs a failure. A nil sink is a no-op.
func Fire(ctx context.Context, sink Sink, ev Event, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	go func() {
		if err := sink.Send(context.WithoutCancel(ctx), ev); err != nil {
			logging.Component(logger, "notify").Warn("notification failed", "kind", ev.Kind, "error", err)
		}
	}()
}

var (
	lamportsPerSol = decimal.New(ore.LamportsPerSol, 0)
	atomsPerOre    = decimal.New(ore.OreAtomsPerOre, 0)
)

// FormatSol renders lamports as SOL with four decimals.
func FormatSol(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSol).StringFixed(4)
}

// FormatSignedSol is FormatSol with an explicit plus sign.
func FormatSignedSol(lamports int64) string {
	s := FormatSol(lamports)
	if lamports >= 0 {
		return "+" + s
	}
	return s
}

// FormatOre renders ORE atoms with four decimals.
func FormatOre(atoms int64) string {
	return decimal.NewFromInt(atoms).Div(atomsPerOre).StringFixed(4)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func stakeSummary(stakeLamports uint64, squares int) string {
	return fmt.Sprintf("%s SOL • %d %s", FormatSol(int64(stakeLamports)), squares, plural(squares, "square", "squares"))
}

// WinParams describes a won round.
type WinParams struct {
	RoundID         uint64
	WinningOreAtoms int64
	StakeLamports   uint64
	PnLLamports     int64
	RealPnLLamports int64
	Squares         int
	LossesBeforeWin int
}

// Win builds the round win event.
func Win(p WinParams) Event {
	return Event{
		Kind:    KindWin,
		Title:   fmt.Sprintf("WIN | %s SOL", FormatSignedSol(p.RealPnLLamports)),
		Message: fmt.Sprintf("%s SOL - %s ORE", FormatSignedSol(p.PnLLamports), FormatOre(p.WinningOreAtoms)),
		RoundID: p.RoundID,
		Fields: []Field{
			{Name: "Your Stake", Value: stakeSummary(p.StakeLamports, p.Squares)},
			{Name: "Loss Streak Before Win", Value: fmt.Sprintf("%d %s in a row", p.LossesBeforeWin, plural(p.LossesBeforeWin, "loss", "losses"))},
		},
		Time: time.Now(),
	}
}

// Loss builds the loss streak event.
func Loss(roundID, stakeLamports uint64, squares, streak int) Event {
	return Event{
		Kind:    KindLoss,
		Title:   fmt.Sprintf("LOSE | streak of %d losses", streak),
		RoundID: roundID,
		Fields:  []Field{{Name: "Your Stake", Value: stakeSummary(stakeLamports, squares)}},
		Time:    time.Now(),
	}
}

// Placement builds the per-round placement summary.
func Placement(roundID uint64, completed, planned int, stakeLamports uint64, topEV float64) Event {
	return Event{
		Kind:    KindInfo,
		Title:   fmt.Sprintf("Placed %d/%d", completed, planned),
		RoundID: roundID,
		Fields: []Field{
			{Name: "Stake", Value: FormatSol(int64(stakeLamports)) + " SOL", Inline: true},
			{Name: "Top EV", Value: fmt.Sprintf("%.3f", topEV), Inline: true},
		},
		Time: time.Now(),
	}
}

// Claimed builds the rewards claim event.
func Claimed(roundID, solLamports uint64, signature string) Event {
	return Event{
		Kind:    KindSuccess,
		Title:   fmt.Sprintf("Claimed %s SOL", FormatSol(int64(solLamports))),
		RoundID: roundID,
		Fields:  []Field{{Name: "Signature", Value: signature}},
		Time:    time.Now(),
	}
}

// Status builds a free-form status event from ordered fields.
func Status(title, message string, fields ...Field) Event {
	return Event{Kind: KindStatus, Title: title, Message: message, Fields: fields, Time: time.Now()}
}
