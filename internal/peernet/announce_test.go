package peernet

import "testing"

func TestDatagramRoundTrip(t *testing.T) {
	a := Announcement{
		MachineID:       "0c9d9f2e-8b44-4d4e-8c76-1f2a3b4c5d6e",
		Port:            9876,
		DistroRelease:   "10",
		Arch:            "x86_64",
		ServedMedia:     []string{"core/release", "core/updates"},
		DevelopmentMode: false,
	}

	data, err := EncodeDatagram(a)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}
	if string(data[:6]) != "URPMD1" {
		t.Fatalf("datagram missing magic prefix: %q", data[:6])
	}

	got, err := DecodeDatagram(data)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if got.MachineID != a.MachineID || got.Port != a.Port || len(got.ServedMedia) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeRejectsStrayTraffic(t *testing.T) {
	if _, err := DecodeDatagram([]byte("SSDP NOTIFY * HTTP/1.1")); err == nil {
		t.Error("non-protocol datagram must be rejected")
	}
	if _, err := DecodeDatagram([]byte("URPMD1{not json")); err == nil {
		t.Error("malformed JSON must be rejected")
	}
	if _, err := DecodeDatagram([]byte(`URPMD1{"machine_id":"x"}`)); err == nil {
		t.Error("announcement without a port must be rejected")
	}
}
