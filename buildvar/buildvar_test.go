package buildvar

import (
	"runtime/debug"
	"testing"
)

func TestVersionFrom(t *testing.T) {
	test := func(bi debug.BuildInfo, exp string) {
		t.Helper()
		if v := versionFrom(&bi); v != exp {
			t.Fatalf("got %q, expected %q", v, exp)
		}
	}

	test(debug.BuildInfo{Main: debug.Module{Version: "v0.1.0"}}, "v0.1.0")
	test(debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "(devel)")
	test(debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "2dc8715bf4af0123456789"}, {Key: "vcs.modified", Value: "true"}},
	}, "2dc8715bf4af+modifications")
	test(debug.BuildInfo{
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "2dc8715b"}, {Key: "vcs.modified", Value: "false"}},
	}, "2dc8715b")

	if UserAgent() != "mailout/"+Version {
		t.Fatalf("bad user agent %q", UserAgent())
	}
}
