package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Type: TypeRPC, Flags: FlagReply, Status: StatusSuccess, Seqno: 42, TunID: 7}
	url := []byte("/api/foo")
	param := []byte(`{"v":1}`)
	data := []byte("payload-bytes")

	total, pad := CalcSize(len(url), len(param), len(data))
	if (total % 4) != 0 {
		t.Fatalf("total length %d not 4-byte aligned", total)
	}
	if pad > 3 {
		t.Fatalf("pad %d out of range", pad)
	}

	buf := make([]byte, total)
	n, err := Encode(buf, h, url, param, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != total {
		t.Fatalf("Encode returned %d, want %d", n, total)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Type != h.Type || got.Flags != h.Flags || got.Status != h.Status ||
		got.Seqno != h.Seqno || got.TunID != h.TunID {
		t.Fatalf("decoded header mismatch: got %+v, want %+v", got, h)
	}
	if int(got.URLLen) != len(url) || int(got.ParamLen) != len(param) || int(got.DataLen) != len(data) {
		t.Fatalf("decoded spans mismatch: %+v", got)
	}

	gotURL := buf[HeaderLength : HeaderLength+len(url)]
	if string(gotURL) != string(url) {
		t.Fatalf("url mismatch: got %q, want %q", gotURL, url)
	}
}

func TestPaddingAlwaysAligns(t *testing.T) {
	for urlLen := 0; urlLen < 8; urlLen++ {
		for paramLen := 0; paramLen < 8; paramLen++ {
			for dataLen := 0; dataLen < 8; dataLen++ {
				total, pad := CalcSize(urlLen, paramLen, dataLen)
				if total%4 != 0 {
					t.Fatalf("total %d not aligned for (%d,%d,%d)", total, urlLen, paramLen, dataLen)
				}
				if pad > 3 {
					t.Fatalf("pad %d out of [0,3] for (%d,%d,%d)", pad, urlLen, paramLen, dataLen)
				}
			}
		}
	}
}

func TestSizeBoundEnforced(t *testing.T) {
	h := Header{Type: TypeRPC}
	big := make([]byte, MaxDataLength+1)
	dst := make([]byte, MaxPacketLength+8)
	if _, err := Encode(dst, h, nil, nil, big); err != ErrTooLarge {
		t.Fatalf("Encode over MaxPacketLength: got %v, want ErrTooLarge", err)
	}

	qh := Header{Type: TypeDatagram}
	bigQ := make([]byte, MaxQuickDataLength+1)
	if _, err := Encode(dst, qh, nil, nil, bigQ); err != ErrQuickTooLarge {
		t.Fatalf("Encode over MaxQuickPacketLength: got %v, want ErrQuickTooLarge", err)
	}
}

func TestBadMagicRejected(t *testing.T) {
	buf := make([]byte, HeaderLength)
	buf[0] = 0x00 // wrong magic/version nibbles
	if _, err := DecodeHeader(buf); err != ErrBadMagic {
		t.Fatalf("DecodeHeader: got %v, want ErrBadMagic", err)
	}
}

func TestReceiverFeedsFramesInOrder(t *testing.T) {
	r := NewReceiver(false)

	var gotURLs []string
	onFrame := func(f Frame) { gotURLs = append(gotURLs, string(f.URL)) }

	urls := []string{"/a", "/bb", "/ccc"}
	var wire []byte
	for _, u := range urls {
		total, _ := CalcSize(len(u), 0, 0)
		buf := make([]byte, total)
		if _, err := Encode(buf, Header{Type: TypeRPC}, []byte(u), nil, nil); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		wire = append(wire, buf...)
	}

	// feed byte-by-byte to exercise partial-frame accumulation
	for i := 0; i < len(wire); i++ {
		if err := r.Feed(wire[i:i+1], onFrame); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if len(gotURLs) != len(urls) {
		t.Fatalf("got %d frames, want %d", len(gotURLs), len(urls))
	}
	for i, u := range urls {
		if gotURLs[i] != u {
			t.Fatalf("frame %d url = %q, want %q", i, gotURLs[i], u)
		}
	}
}

func TestQOSSetupUsesFullStatusByteAsPriority(t *testing.T) {
	h := Header{Type: TypeQOSSetup, Status: 200}
	buf := make([]byte, HeaderLength)
	if _, err := Encode(buf, h, nil, nil, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Status != 200 {
		t.Fatalf("QOSSETUP status = %d, want 200 (full byte, not masked)", got.Status)
	}
}
