package command

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
)

// Fields carries the primitive values of a submitted command, typically
// decoded from JSON.
type Fields map[string]any

type strategy func(ctx context.Context, h *Handlers, aggregateID string, f Fields) ([]Result, error)

var strategies = map[string]strategy{
	TypeSubmitBooking: func(ctx context.Context, h *Handlers, aggregateID string, f Fields) ([]Result, error) {
		pax, err := f.intField("pax")
		if err != nil {
			return nil, err
		}
		budget, err := f.floatField("budget")
		if err != nil {
			return nil, err
		}
		cmd, err := domain.NewSubmitBookingWizard(aggregateID, pax, budget, f.stringField("clientName"), f.stringField("clientEmail"))
		if err != nil {
			return nil, err
		}
		res, err := h.SubmitBookingWizard(ctx, cmd)
		return []Result{res}, err
	},
	TypeRegisterUser: func(ctx context.Context, h *Handlers, aggregateID string, f Fields) ([]Result, error) {
		cmd, err := domain.NewRegisterUser(aggregateID, f.stringField("name"), f.stringField("email"))
		if err != nil {
			return nil, err
		}
		res, err := h.RegisterUser(ctx, cmd)
		return []Result{res}, err
	},
	TypeGenerateQuotes: func(ctx context.Context, h *Handlers, aggregateID string, _ Fields) ([]Result, error) {
		cmd, err := domain.NewGenerateQuotes(aggregateID)
		if err != nil {
			return nil, err
		}
		return h.GenerateQuotes(ctx, cmd)
	},
	TypeChangeQuote: func(ctx context.Context, h *Handlers, aggregateID string, f Fields) ([]Result, error) {
		cmd, err := domain.NewChangeQuoteStatus(aggregateID, f.stringField("quoteId"), f.stringField("status"))
		if err != nil {
			return nil, err
		}
		res, err := h.ChangeQuoteStatus(ctx, cmd)
		return []Result{res}, err
	},
}

// Types lists the accepted command types.
func Types() []string {
	out := make([]string, 0, len(strategies))
	for t := range strategies {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Submit validates fields for commandType and runs the command. Validation
// failures are returned as *domain.ValidationError before any lock is taken.
func (h *Handlers) Submit(ctx context.Context, aggregateID, commandType string, f Fields) ([]Result, error) {
	run, ok := strategies[commandType]
	if !ok {
		return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown command type %q", commandType)}
	}
	return run(ctx, h, aggregateID, f)
}

func (f Fields) stringField(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func (f Fields) floatField(key string) (float64, error) {
	switch v := f[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, &domain.ValidationError{Field: key, Reason: "must be a number"}
}

func (f Fields) intField(key string) (int, error) {
	n, err := f.floatField(key)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) {
		return 0, &domain.ValidationError{Field: key, Reason: "must be a whole number"}
	}
	return int(n), nil
}
