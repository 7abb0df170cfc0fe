package events

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"go.uber.org/zap"
)

const (
	programPrefix = "Program "
	dataPrefix    = "Program data: "
	logPrefix     = "Program log: "
)

// Program is one tracked program address and the schema its logs decode with.
type Program struct {
	Name    string
	Address ledger.Address
	Schema  *Schema
}

// Catalogue is the set of tracked programs, in configuration order.
type Catalogue struct {
	programs []Program
	index    map[ledger.Address]int
}

// NewCatalogue indexes programs by address.
func NewCatalogue(programs ...Program) (*Catalogue, error) {
	c := &Catalogue{index: make(map[ledger.Address]int, len(programs))}
	for _, p := range programs {
		if p.Schema == nil {
			return nil, fmt.Errorf("program %s has no schema", p.Name)
		}
		if _, dup := c.index[p.Address]; dup {
			return nil, fmt.Errorf("program %s tracked twice", p.Address)
		}
		c.index[p.Address] = len(c.programs)
		c.programs = append(c.programs, p)
	}
	return c, nil
}

// Programs returns the tracked programs in configuration order.
func (c *Catalogue) Programs() []Program {
	return append([]Program(nil), c.programs...)
}

// Lookup returns the program tracked at addr.
func (c *Catalogue) Lookup(addr ledger.Address) (Program, bool) {
	i, ok := c.index[addr]
	if !ok {
		return Program{}, false
	}
	return c.programs[i], true
}

// LineError reports a log line that carried a known event tag but whose
// payload could not be decoded.
type LineError struct {
	Line    int
	Program ledger.Address
	Err     error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("log line %d (program %s): %v", e.Line, e.Program, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// DecodeProgram extracts the events emitted by one program in tx. Lines that
// are not events are skipped. Lines whose tag matches the schema but whose
// payload is corrupt are skipped and reported in the returned errors.
func DecodeProgram(tx ledger.Transaction, program ledger.Address, schema *Schema) ([]Envelope, []error) {
	return decode(tx, func(addr ledger.Address) (*Schema, bool) {
		if addr != program {
			return nil, false
		}
		return schema, true
	})
}

// Decode extracts the events of every tracked program in tx, in log order.
func (c *Catalogue) Decode(tx ledger.Transaction) ([]Envelope, []error) {
	return decode(tx, func(addr ledger.Address) (*Schema, bool) {
		p, ok := c.Lookup(addr)
		if !ok {
			return nil, false
		}
		return p.Schema, true
	})
}

func decode(tx ledger.Transaction, schemaFor func(ledger.Address) (*Schema, bool)) ([]Envelope, []error) {
	if tx.Failed {
		return nil, nil
	}

	var (
		out   []Envelope
		errs  []error
		stack []ledger.Address
	)

	for i, line := range tx.LogMessages {
		if !strings.HasPrefix(line, programPrefix) || strings.HasPrefix(line, logPrefix) {
			continue
		}

		if payload, ok := strings.CutPrefix(line, dataPrefix); ok {
			if len(stack) == 0 {
				continue
			}
			current := stack[len(stack)-1]
			schema, tracked := schemaFor(current)
			if !tracked {
				continue
			}
			ev, ok, err := decodeLine(payload, schema)
			if err != nil {
				errs = append(errs, &LineError{Line: i, Program: current, Err: err})
				continue
			}
			if !ok {
				continue
			}
			out = append(out, Envelope{
				Signature: tx.Signature,
				Slot:      tx.Slot,
				BlockTime: tx.BlockTime,
				Program:   current,
				Index:     len(out),
				Event:     ev,
			})
			continue
		}

		// "Program <addr> invoke [n]", "Program <addr> success",
		// "Program <addr> failed: <reason>"
		fields := strings.Fields(line[len(programPrefix):])
		if len(fields) < 2 {
			continue
		}
		switch {
		case fields[1] == "invoke":
			addr, err := ledger.ParseAddress(fields[0])
			if err != nil {
				addr = ledger.Address{}
			}
			stack = append(stack, addr)
		case fields[1] == "success" || strings.HasPrefix(fields[1], "failed"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	return out, errs
}

// decodeLine returns ok=false for lines that are not events of schema.
func decodeLine(payload string, schema *Schema) (Event, bool, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil || len(data) < DiscriminatorLength {
		return nil, false, nil
	}
	var d Discriminator
	copy(d[:], data[:DiscriminatorLength])
	def, known := schema.Lookup(d)
	if !known {
		return nil, false, nil
	}
	raw, err := def.DecodePayload(data[DiscriminatorLength:])
	if err != nil {
		return nil, false, err
	}
	ev, err := Bind(raw)
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

// Decoder decodes transactions against a catalogue and reports corrupt
// payloads through logs and metrics.
type Decoder struct {
	catalogue *Catalogue
	logger    *zap.Logger
	metrics   *Metrics
}

// NewDecoder creates a decoder. metrics may be nil.
func NewDecoder(catalogue *Catalogue, logger *zap.Logger, metrics *Metrics) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{catalogue: catalogue, logger: logger, metrics: metrics}
}

// Catalogue returns the tracked programs.
func (d *Decoder) Catalogue() *Catalogue { return d.catalogue }

// Decode returns the events of tx across all tracked programs.
func (d *Decoder) Decode(tx ledger.Transaction) []Envelope {
	envs, errs := d.catalogue.Decode(tx)
	for _, err := range errs {
		program := ""
		if le, ok := err.(*LineError); ok {
			program = le.Program.String()
		}
		d.logger.Debug("Skipping corrupt event payload",
			zap.String("signature", tx.Signature.String()),
			zap.Uint64("slot", tx.Slot),
			zap.Error(err),
		)
		if d.metrics != nil {
			d.metrics.DecodeErrors.WithLabelValues(program).Inc()
		}
	}
	if d.metrics != nil {
		for _, env := range envs {
			d.metrics.EventsDecoded.WithLabelValues(env.Type()).Inc()
		}
	}
	return envs
}
