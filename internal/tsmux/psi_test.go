package tsmux

import "testing"

func TestMpegTSCRC32_empty(t *testing.T) {
	if got := mpegTSCRC32(nil); got != 0xFFFFFFFF {
		t.Errorf("mpegTSCRC32(nil) = 0x%08X, want 0xFFFFFFFF", got)
	}
	if got := mpegTSCRC32([]byte{}); got != 0xFFFFFFFF {
		t.Errorf("mpegTSCRC32([]) = 0x%08X, want 0xFFFFFFFF", got)
	}
}

func TestMpegTSCRC32_stable(t *testing.T) {
	data := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xE0, 0x10}
	if a, b := mpegTSCRC32(data), mpegTSCRC32(data); a != b {
		t.Errorf("non-deterministic CRC: 0x%08X != 0x%08X", a, b)
	}
}

func TestBuildPATPacket_structure(t *testing.T) {
	for _, cc := range []uint8{0, 5, 15} {
		pkt := buildPATPacket(cc)
		if len(pkt) != 188 {
			t.Fatalf("cc=%d: PAT packet size = %d, want 188", cc, len(pkt))
		}
		if pkt[0] != 0x47 {
			t.Errorf("cc=%d: sync byte = 0x%02X, want 0x47", cc, pkt[0])
		}
		if pkt[1] != 0x40 || pkt[2] != 0x00 {
			t.Errorf("cc=%d: PID bytes = 0x%02X 0x%02X, want PUSI=1 PID=0x0000", cc, pkt[1], pkt[2])
		}
		wantPkt3 := byte(0x10 | (cc & 0x0F))
		if pkt[3] != wantPkt3 {
			t.Errorf("cc=%d: pkt[3] = 0x%02X, want 0x%02X", cc, pkt[3], wantPkt3)
		}
		s := pkt[5:]
		pmtFromPAT := int(s[10]&0x1F)<<8 | int(s[11])
		if pmtFromPAT != pmtPID {
			t.Errorf("cc=%d: PMT PID in PAT = 0x%04X, want 0x%04X", cc, pmtFromPAT, pmtPID)
		}
		wantCRC := mpegTSCRC32(pkt[5:17])
		gotCRC := uint32(s[12])<<24 | uint32(s[13])<<16 | uint32(s[14])<<8 | uint32(s[15])
		if gotCRC != wantCRC {
			t.Errorf("cc=%d: PAT CRC = 0x%08X, want 0x%08X", cc, gotCRC, wantCRC)
		}
		for i := 21; i < 188; i++ {
			if pkt[i] != 0xFF {
				t.Fatalf("cc=%d: pkt[%d] = 0x%02X, want 0xFF padding", cc, i, pkt[i])
			}
		}
	}
}

func TestBuildPMTPacket_structure(t *testing.T) {
	pkt := buildPMTPacket(3)
	if len(pkt) != 188 {
		t.Fatalf("PMT packet size = %d, want 188", len(pkt))
	}
	if pkt[0] != 0x47 {
		t.Errorf("sync byte = 0x%02X, want 0x47", pkt[0])
	}
	s := pkt[5:]
	wantCRC := mpegTSCRC32(pkt[5:27])
	gotCRC := uint32(s[22])<<24 | uint32(s[23])<<16 | uint32(s[24])<<8 | uint32(s[25])
	if gotCRC != wantCRC {
		t.Errorf("PMT CRC = 0x%08X, want 0x%08X", gotCRC, wantCRC)
	}
	videoStreamType := s[12]
	if videoStreamType != 0x1B {
		t.Errorf("video stream_type = 0x%02X, want 0x1B (H264)", videoStreamType)
	}
	audioStreamType := s[17]
	if audioStreamType != 0x0F {
		t.Errorf("audio stream_type = 0x%02X, want 0x0F (AAC)", audioStreamType)
	}
	for i := 31; i < 188; i++ {
		if pkt[i] != 0xFF {
			t.Fatalf("pkt[%d] = 0x%02X, want 0xFF padding", i, pkt[i])
		}
	}
}

func TestBuildNullPacket(t *testing.T) {
	pkt := buildNullPacket()
	if pkt[0] != 0x47 || pkt[1] != 0x1F || pkt[2] != 0xFF {
		t.Errorf("null packet header = 0x%02X 0x%02X 0x%02X, want sync+PID 0x1FFF", pkt[0], pkt[1], pkt[2])
	}
}
