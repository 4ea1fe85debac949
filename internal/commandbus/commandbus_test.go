package commandbus

import (
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/interlink"
)

var pingCommandID = interlink.FNV1a64("PingCommand")

type pingCommand struct {
	Seq uint32
}

func (p *pingCommand) CommandID() uint64             { return pingCommandID }
func (p *pingCommand) MarshalBody(w *codec.Writer)   { w.U32(p.Seq) }
func (p *pingCommand) UnmarshalBody(r *codec.Reader) error {
	v, err := r.U32()
	if err != nil {
		return err
	}
	p.Seq = v
	return nil
}

func TestEncodeDecodeCommandFrameRoundTrip(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register("PingCommand", func() Command { return &pingCommand{} })

	cmd := &pingCommand{Seq: 42}
	if cmd.CommandID() != id {
		t.Fatalf("command_id mismatch: registry gave %d, command computes %d", id, cmd.CommandID())
	}

	frame := EncodeCommandFrame(cmd)
	got, err := DecodeCommandFrame(reg, frame)
	if err != nil {
		t.Fatalf("DecodeCommandFrame: %v", err)
	}
	gotPing, ok := got.(*pingCommand)
	if !ok {
		t.Fatalf("expected *pingCommand, got %T", got)
	}
	if gotPing.Seq != 42 {
		t.Errorf("expected seq 42, got %d", gotPing.Seq)
	}
}

func TestDecodeCommandFrameUnknownID(t *testing.T) {
	reg := NewRegistry()
	cmd := &pingCommand{Seq: 1}
	frame := EncodeCommandFrame(cmd)
	if _, err := DecodeCommandFrame(reg, frame); err == nil {
		t.Error("expected error decoding a frame whose command_id was never registered")
	}
}

func TestDecodeCommandFrameTruncated(t *testing.T) {
	reg := NewRegistry()
	reg.Register("PingCommand", func() Command { return &pingCommand{} })
	if _, err := DecodeCommandFrame(reg, []byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding a truncated frame")
	}
}
