package replaces

import (
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

// newTestRegistry mirrors a bridged call: the dialog (C, Cf, Ct) on one
// side corresponds to (C2, C2f, C2t) on the other.
func newTestRegistry() *registry.CallRegistry {
	reg := registry.NewCallRegistry()
	reg.AddCall("Ct", registry.CallRegistryEntry{CallID: "C2", LocalTag: "C2f", RemoteTag: "C2t"})
	reg.AddCall("C2f", registry.CallRegistryEntry{CallID: "C", LocalTag: "Ct", RemoteTag: "Cf"})
	return reg
}

func TestRewriteReplaces(t *testing.T) {
	reg := newTestRegistry()

	tests := []struct {
		name    string
		in      string
		want    string
		rewrite bool
	}{
		{
			name:    "known dialog",
			in:      "C;from-tag=Cf;to-tag=Ct",
			want:    "C2;from-tag=C2f;to-tag=C2t",
			rewrite: true,
		},
		{
			name:    "parameter order does not matter",
			in:      "C;to-tag=Ct;from-tag=Cf",
			want:    "C2;from-tag=C2f;to-tag=C2t",
			rewrite: true,
		},
		{
			name:    "early-only preserved",
			in:      "C;from-tag=Cf;to-tag=Ct;early-only",
			want:    "C2;from-tag=C2f;to-tag=C2t;early-only",
			rewrite: true,
		},
		{
			name:    "unknown to-tag",
			in:      "X;from-tag=Xf;to-tag=Xt",
			want:    "X;from-tag=Xf;to-tag=Xt",
			rewrite: false,
		},
		{
			name:    "missing tags",
			in:      "C",
			want:    "C",
			rewrite: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RewriteReplaces(tt.in, reg)
			if ok != tt.rewrite {
				t.Fatalf("RewriteReplaces() ok = %v, want %v", ok, tt.rewrite)
			}
			if got != tt.want {
				t.Errorf("RewriteReplaces() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteReferTo(t *testing.T) {
	reg := newTestRegistry()

	in := "<sip:bob@example.com?Require=replaces;Replaces=C%3Bto-tag%3DCt%3Bfrom-tag%3DCf;Bla=Blub>"
	want := "<sip:bob@example.com?Require=replaces;Replaces=C2%3Bfrom-tag%3DC2f%3Bto-tag%3DC2t;Bla=Blub>"

	got, ok := RewriteReferTo(in, reg)
	if !ok {
		t.Fatal("RewriteReferTo() did not rewrite")
	}
	if got != want {
		t.Errorf("RewriteReferTo() = %q, want %q", got, want)
	}
}

func TestRewriteReferToDisplayNameAndParams(t *testing.T) {
	reg := newTestRegistry()

	in := "\"Bob\" <sip:bob@example.com?Replaces=C%3Bfrom-tag%3DCf%3Bto-tag%3DCt>;param=1"
	got, ok := RewriteReferTo(in, reg)
	if !ok {
		t.Fatal("RewriteReferTo() did not rewrite")
	}
	want := "\"Bob\" <sip:bob@example.com?Replaces=C2%3Bfrom-tag%3DC2f%3Bto-tag%3DC2t>;param=1"
	if got != want {
		t.Errorf("RewriteReferTo() = %q, want %q", got, want)
	}
}

func TestRewriteReferToUnknownDialog(t *testing.T) {
	reg := newTestRegistry()

	in := "<sip:bob@example.com?Replaces=X%3Bfrom-tag%3DXf%3Bto-tag%3DXt>"
	got, ok := RewriteReferTo(in, reg)
	if ok {
		t.Fatal("RewriteReferTo() rewrote an unknown dialog")
	}
	if got != in {
		t.Errorf("RewriteReferTo() changed the value: %q", got)
	}
}

func TestRewriteRequest(t *testing.T) {
	reg := newTestRegistry()

	invite := dialog.Headers{"Replaces": "C;from-tag=Cf;to-tag=Ct"}
	if !RewriteRequest(sip.INVITE, invite, reg) {
		t.Fatal("RewriteRequest(INVITE) did not rewrite")
	}
	if got := invite.Get("Replaces"); got != "C2;from-tag=C2f;to-tag=C2t" {
		t.Errorf("Replaces = %q", got)
	}

	refer := dialog.Headers{
		"Refer-To": "<sip:bob@example.com?Replaces=C%3Bfrom-tag%3DCf%3Bto-tag%3DCt>",
	}
	if !RewriteRequest(sip.REFER, refer, reg) {
		t.Fatal("RewriteRequest(REFER) did not rewrite")
	}
	if got := refer.Get("Refer-To"); got != "<sip:bob@example.com?Replaces=C2%3Bfrom-tag%3DC2f%3Bto-tag%3DC2t>" {
		t.Errorf("Refer-To = %q", got)
	}

	if RewriteRequest(sip.BYE, dialog.Headers{"Replaces": "C;from-tag=Cf;to-tag=Ct"}, reg) {
		t.Error("RewriteRequest(BYE) must not rewrite anything")
	}
}
