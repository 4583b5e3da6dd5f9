package chunk

import (
	"testing"
	"time"

	"nats3/internal/domain"
)

func FuzzDecode(f *testing.F) {
	seed, _, _, err := Encode([]domain.Record{
		{Subject: "x", Timestamp: time.Unix(1, 0).UTC(), Body: []byte("payload")},
	}, domain.CodecBinary)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte("NS3\x00garbage"))

	f.Fuzz(func(t *testing.T, data []byte) {
		hdr, records, err := Decode(data)
		if err != nil {
			return
		}
		if uint64(len(records)) != hdr.RecordCount {
			t.Fatalf("accepted payload with %d records but count %d", len(records), hdr.RecordCount)
		}
	})
}
