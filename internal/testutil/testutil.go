package testutil

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// Address returns a deterministic address whose bytes are all seed.
func Address(seed byte) ledger.Address {
	var a ledger.Address
	for i := range a {
		a[i] = seed
	}
	return a
}

// Time returns a UTC timestamp offset by days from a fixed epoch.
func Time(days int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(days) * 24 * time.Hour)
}

// ProgramData encodes an event of the named built-in schema as a
// "Program data:" log line.
func ProgramData(t *testing.T, schema, event string, values map[string]any) string {
	t.Helper()
	s, err := events.BuiltinSchema(schema)
	if err != nil {
		t.Fatalf("schema %s: %v", schema, err)
	}
	def, ok := s.Event(event)
	if !ok {
		t.Fatalf("schema %s has no event %s", schema, event)
	}
	payload, err := def.Encode(values)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	return "Program data: " + base64.StdEncoding.EncodeToString(payload)
}

// Invoke wraps lines in the invoke/success frame of program.
func Invoke(program ledger.Address, lines ...string) []string {
	out := []string{fmt.Sprintf("Program %s invoke [1]", program)}
	out = append(out, lines...)
	out = append(out,
		fmt.Sprintf("Program %s consumed 4821 of 200000 compute units", program),
		fmt.Sprintf("Program %s success", program),
	)
	return out
}

// Transaction builds a successful transaction carrying logs.
func Transaction(sig string, slot uint64, blockTime time.Time, logs ...string) ledger.Transaction {
	return ledger.Transaction{
		Signature:   ledger.Signature(sig),
		Slot:        slot,
		BlockTime:   blockTime,
		LogMessages: logs,
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}
