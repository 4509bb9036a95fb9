package statusfeed

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-daq/tdaq/log"
)

func TestFeedDeliversSnapshots(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	source := func() map[string]any {
		n++
		return map[string]any{"version": "test", "tick": n}
	}
	msg := log.NewMsgStream("feed-test", log.LvlError, os.Stderr)
	srv := New(lis, source, 50*time.Millisecond, msg)
	defer srv.Close()

	conn, err := net.Dial("tcp", lis.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	dec := cbor.NewDecoder(conn)
	for i := 0; i < 2; i++ {
		var snap map[string]any
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := dec.Decode(&snap); err != nil {
			t.Fatal(err)
		}
		if snap["version"] != "test" {
			t.Errorf("snapshot: %v", snap)
		}
	}
}
