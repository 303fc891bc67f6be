package command

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Code: CodeShowStatistic, Body: []byte("hello")}
	got, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Code != f.Code || string(got.Body) != string(f.Body) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestUnmarshalShortFrameRejected(t *testing.T) {
	if _, err := Unmarshal([]byte{0, 1}); err != ErrShortFrame {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}

func TestResultRoundTrip(t *testing.T) {
	r := Result{OK: false, Message: "pr entry not found"}
	got, err := UnmarshalResult(r.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}

func TestDispatcherUnknownCode(t *testing.T) {
	d := NewDispatcher()
	reply := d.Dispatch(Frame{Code: CodeShowRoute})
	res, err := UnmarshalResult(reply.Body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure for unregistered code")
	}
}

func TestDispatcherRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	d.Register(CodeShowStatistic, func(Frame) Frame { return Ok("42") })
	reply := d.Dispatch(Frame{Code: CodeShowStatistic})
	res, _ := UnmarshalResult(reply.Body)
	if !res.OK || res.Message != "42" {
		t.Fatalf("got %+v", res)
	}
}
