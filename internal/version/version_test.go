package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/linnemanlabs-confirmd/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", *info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	if info := v.Get(); info.VCSDirty == nil || *info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestGet_GoVersionFromBuildInfo(t *testing.T) {
	if got := v.Get().GoVersion; !strings.HasPrefix(got, "go") {
		t.Fatalf("GoVersion = %q, want go-prefixed toolchain version", got)
	}
}

func TestInfo_String(t *testing.T) {
	dirty := true
	s := v.Info{Version: "1.0.0", Commit: "abc", BuildDate: "2025-01-01", GoVersion: "go1.24.0", VCSDirty: &dirty}.String()
	for _, want := range []string{v.AppName, "1.0.0", "abc-dirty", "2025-01-01", "go1.24.0"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
