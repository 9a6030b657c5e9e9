package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/kalambet/parley/internal/backend"
	"github.com/kalambet/parley/internal/ollama"
)

// fakeTrail records appended records and recovery marks.
type fakeTrail struct {
	records   []Record
	recovered []string
	appendErr error
}

func (t *fakeTrail) Append(r Record) error {
	if t.appendErr != nil {
		return t.appendErr
	}
	t.records = append(t.records, r)
	return nil
}

func (t *fakeTrail) MarkRecovered(id string) error {
	t.recovered = append(t.recovered, id)
	return nil
}

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("invoking: %w", context.DeadlineExceeded), Timeout},
		{"cancellation", context.Canceled, Timeout},
		{"circuit open", backend.ErrCircuitOpen, BackendConnection},
		{"marked unavailable", backend.ErrUnavailable, BackendConnection},
		{"server error", &ollama.StatusError{Status: http.StatusBadGateway}, BackendConnection},
		{"rate limited", &ollama.StatusError{Status: http.StatusTooManyRequests}, RateLimit},
		{"tagged processing", Tag(Processing, errors.New("skill blew up")), Processing},
		{"tagged memory", Tag(Memory, errors.New("flush failed")), Memory},
		{"tagged delivery", Tag(ChannelDelivery, errors.New("socket closed")), ChannelDelivery},
		{"anything else", errors.New("what even is this"), Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(nil)
			r := c.Classify(tc.err, "sess-1")
			if r.Category != tc.want {
				t.Errorf("Classify(%v).Category = %q, want %q", tc.err, r.Category, tc.want)
			}
		})
	}
}

func TestClassify_RecordFields(t *testing.T) {
	trail := &fakeTrail{}
	c := New(trail)

	r := c.Classify(errors.New("boom"), "sess-1")
	if r.ID == "" || r.Timestamp.IsZero() {
		t.Errorf("record missing identity fields: %+v", r)
	}
	if r.SessionID != "sess-1" || r.Message != "boom" {
		t.Errorf("record = %+v", r)
	}
	if r.Recovered {
		t.Error("fresh record marked recovered")
	}
	if len(trail.records) != 1 || trail.records[0].ID != r.ID {
		t.Errorf("trail = %+v, want the classified record appended", trail.records)
	}
}

func TestClassify_TrailFailureDoesNotPanic(t *testing.T) {
	trail := &fakeTrail{appendErr: errors.New("db locked")}
	c := New(trail)

	r := c.Classify(errors.New("boom"), "sess-1")
	if r.Category != Unknown {
		t.Errorf("Category = %q, want classification to survive a trail failure", r.Category)
	}
}

func TestResolve_MarksRecovered(t *testing.T) {
	trail := &fakeTrail{}
	c := New(trail)

	r := c.Classify(context.DeadlineExceeded, "sess-1")
	c.Resolve(r)

	if len(trail.recovered) != 1 || trail.recovered[0] != r.ID {
		t.Errorf("recovered = %v, want [%s]", trail.recovered, r.ID)
	}
}

func TestDecide_Table(t *testing.T) {
	cases := []struct {
		cat           Category
		action        Action
		ifExhausted   Action
		wantsWaitHint bool
	}{
		{BackendConnection, ActionRetry, ActionFallback, false},
		{Timeout, ActionRetry, ActionFallback, false},
		{RateLimit, ActionRetry, ActionFallback, true},
		{ChannelDelivery, ActionRetry, ActionEscalate, false},
		{Processing, ActionFallback, 0, false},
		{Memory, ActionEscalate, 0, false},
		{Unknown, ActionEscalate, 0, false},
	}

	c := New(nil)
	for _, tc := range cases {
		t.Run(string(tc.cat), func(t *testing.T) {
			d := c.Decide(Record{Category: tc.cat})
			if d.Action != tc.action {
				t.Errorf("Action = %v, want %v", d.Action, tc.action)
			}
			if d.Action == ActionRetry && d.IfExhausted != tc.ifExhausted {
				t.Errorf("IfExhausted = %v, want %v", d.IfExhausted, tc.ifExhausted)
			}
			if tc.wantsWaitHint && d.RetryAfter <= 0 {
				t.Error("RetryAfter = 0, want a rate-limit wait")
			}
		})
	}
}

func TestTag_NilPassthrough(t *testing.T) {
	if Tag(Processing, nil) != nil {
		t.Error("Tag(nil) != nil")
	}
}

func TestTag_PreservesChain(t *testing.T) {
	base := errors.New("root cause")
	err := Tag(Memory, fmt.Errorf("persisting window: %w", base))

	if !errors.Is(err, base) {
		t.Error("tag broke the error chain")
	}
	if got := categorize(err); got != Memory {
		t.Errorf("categorize = %q, want %q", got, Memory)
	}
}
