package design

import (
	"encoding/json"
	"fmt"
)

// TransferInstruction moves Volume microliters from Source to Dest. Volume
// is always positive for instructions produced by a Generator.
type TransferInstruction struct {
	Source string
	Dest   string
	UL     int
}

// SourceWell implements tips.Transfer.
func (t TransferInstruction) SourceWell() string { return t.Source }

// Volume implements tips.Transfer.
func (t TransferInstruction) Volume() int { return t.UL }

func (t TransferInstruction) String() string {
	return fmt.Sprintf("%s->%s %duL", t.Source, t.Dest, t.UL)
}

// MarshalJSON encodes the instruction as a ["src","dst",ul] triple.
func (t TransferInstruction) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Source, t.Dest, t.UL})
}

// UnmarshalJSON decodes a ["src","dst",ul] triple.
func (t *TransferInstruction) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode transfer: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("decode transfer: expected 3 elements, got %d", len(raw))
	}
	var out TransferInstruction
	if err := json.Unmarshal(raw[0], &out.Source); err != nil {
		return fmt.Errorf("decode transfer source: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.Dest); err != nil {
		return fmt.Errorf("decode transfer dest: %w", err)
	}
	var vol float64
	if err := json.Unmarshal(raw[2], &vol); err != nil {
		return fmt.Errorf("decode transfer volume: %w", err)
	}
	if vol != float64(int(vol)) {
		return fmt.Errorf("decode transfer volume: %v is not a whole microliter", vol)
	}
	out.UL = int(vol)
	*t = out
	return nil
}

// EncodeTransfers renders the list in the wire form handed to the workcell.
func EncodeTransfers(transfers []TransferInstruction) (string, error) {
	if transfers == nil {
		transfers = []TransferInstruction{}
	}
	data, err := json.Marshal(transfers)
	if err != nil {
		return "", fmt.Errorf("encode transfers: %w", err)
	}
	return string(data), nil
}
