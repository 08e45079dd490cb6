package monitoring

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("[test] %d", 1)
	if want := []string{"[test] 1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("logged %v, want %v", got, want)
	}

	SetLogger(nil)
	Logf("[test] muted")
	if len(got) != 1 {
		t.Errorf("nil logger still wrote: %v", got)
	}
}

func TestTracef(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig; SetTrace(false) }()

	n := 0
	SetLogger(func(string, ...interface{}) { n++ })
	Tracef("off")
	if n != 0 {
		t.Errorf("Tracef logged %d line(s) with tracing off", n)
	}
	SetTrace(true)
	Tracef("on")
	if n != 1 {
		t.Errorf("Tracef logged %d line(s) with tracing on, want 1", n)
	}
}
