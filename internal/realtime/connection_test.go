package realtime

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func drain(c *Connection) []string {
	var out []string
	for {
		select {
		case b := <-c.send:
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func TestConnectionOpen(t *testing.T) {
	t.Parallel()

	t.Run("open前のフレームは最初のフレームの後に流れる", func(t *testing.T) {
		t.Parallel()
		c := newConnection(nil, 7, "tok", Options{SendBuffer: 4})

		if !c.Send([]byte("push")) {
			t.Fatal("Send() = false, want true")
		}
		if got := drain(c); len(got) != 0 {
			t.Fatalf("open前に送信キューへ積まれた: %v", got)
		}
		if !c.open([]byte("hello")) {
			t.Fatal("open() = false, want true")
		}
		c.Send([]byte("after"))

		if diff := cmp.Diff([]string{"hello", "push", "after"}, drain(c)); diff != "" {
			t.Errorf("送信順が一致しない (-want +got):\n%s", diff)
		}
	})

	t.Run("保留中もキュー長を超えたフレームは破棄される", func(t *testing.T) {
		t.Parallel()
		c := newConnection(nil, 7, "tok", Options{SendBuffer: 1})

		if !c.Send([]byte("a")) {
			t.Fatal("Send(a) = false, want true")
		}
		if c.Send([]byte("b")) {
			t.Error("Send(b) = true, want false")
		}
		c.open(nil)
		if diff := cmp.Diff([]string{"a"}, drain(c)); diff != "" {
			t.Errorf("送信キューが一致しない (-want +got):\n%s", diff)
		}
	})
}
