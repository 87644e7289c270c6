package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("signing backend unavailable")
	if err.Error() != "signing backend unavailable" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should carry StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_MessageAndStack") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("bucket %q not configured", "assets")
	if want := `bucket "assets" not configured`; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should return nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should return nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrap(errSentinel, "presign get")
	if want := "presign get: sentinel"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("should unwrap to sentinel")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should capture a non-zero PC")
	}
}

func TestWrapf_Chained(t *testing.T) {
	base := errors.New("eof")
	w1 := Wrap(base, "read entry")
	w2 := Wrapf(w1, "import archive %s", "site.zip")

	if want := "import archive site.zip: read entry: eof"; w2.Error() != want {
		t.Fatalf("Error() = %q, want %q", w2.Error(), want)
	}
	if !errors.Is(w2, base) {
		t.Fatal("should unwrap through full chain")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	first := New("already traced")
	if second := EnsureTrace(first); second != first { //nolint:errorlint // testing error identity
		t.Fatal("EnsureTrace should return same error if already stacked")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(traced, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("EnsureTrace should add a stack to plain errors")
	}
	if !errors.Is(traced, plain) {
		t.Fatal("should still unwrap to original")
	}
}

func TestWrap_DistinctPCs(t *testing.T) {
	base := errors.New("root")
	w1 := Wrap(base, "l1")
	w2 := Wrap(w1, "l2")

	pc1 := w1.(*wrap).PC() //nolint:errorlint // testing internal wrap type directly
	pc2 := w2.(*wrap).PC() //nolint:errorlint // testing internal wrap type directly
	if pc1 == 0 || pc2 == 0 || pc1 == pc2 {
		t.Fatalf("PCs from different call sites should differ and be non-zero (got %d, %d)", pc1, pc2)
	}
}
