package usbtmc

import (
	"encoding/binary"
	"testing"
)

func TestInvbTag(t *testing.T) {
	if invbTag(0x01) != 0xFE {
		t.Errorf("expected inverse of 0x01 to be 0xFE, got %x", invbTag(0x01))
	}
}

func TestBulkOutHeader(t *testing.T) {
	tagger := newBTagGen()
	hdr := encBulkOutHeader(tagger, 6)
	if hdr[0] != 0x01 {
		t.Errorf("expected MsgID DEV_DEP_MSG_OUT, got %x", hdr[0])
	}
	if hdr[2] != invbTag(hdr[1]) {
		t.Error("bTagInverse does not match bTag")
	}
	if n := binary.LittleEndian.Uint32(hdr[4:8]); n != 6 {
		t.Errorf("expected transfer size 6, got %d", n)
	}
	if hdr[8] != 0x01 {
		t.Error("expected EOM bit set")
	}
}

func TestBulkInHeaderTerminator(t *testing.T) {
	tagger := newBTagGen()
	term := byte('\n')
	hdr := encBulkInHeader(tagger, 1500, &term)
	if hdr[0] != 0x02 || hdr[8] != 0x02 || hdr[9] != '\n' {
		t.Errorf("unexpected header %v", hdr)
	}
	hdr = encBulkInHeader(tagger, 1500, nil)
	if hdr[8] != 0 || hdr[9] != 0 {
		t.Errorf("expected no terminator, got %v", hdr)
	}
}

func TestBTagNeverZero(t *testing.T) {
	tagger := newBTagGen()
	for i := 0; i < 600; i++ {
		if tagger.nextbTag() == 0 {
			t.Fatal("bTag 0 is reserved and must never be issued")
		}
	}
}
