package task

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sampleTask = `---
task_id: invoice-42
priority: high
task_type: invoicing
required_capabilities:
  - billing
  - email
source: gmail-watcher
labels: ["finance", "urgent"]
---

# Invoice 42

Pay the thing.
`

func TestParseDocumentSplitsHeaderAndBody(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleTask))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	if got := doc.HeaderString("task_id"); got != "invoice-42" {
		t.Fatalf("task_id = %q, want invoice-42", got)
	}
	if got := doc.HeaderString("source"); got != "gmail-watcher" {
		t.Fatalf("unknown field source = %q, want gmail-watcher", got)
	}
	caps, err := doc.HeaderStringList("required_capabilities")
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(caps) != 2 || caps[0] != "billing" || caps[1] != "email" {
		t.Fatalf("capabilities = %v", caps)
	}
	if !bytes.Contains(doc.Body, []byte("# Invoice 42")) {
		t.Fatalf("body missing heading: %q", doc.Body)
	}
}

func TestParseDocumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "empty", content: "", want: ErrMissingHeader},
		{name: "no-fence", content: "# Just a note\n", want: ErrMissingHeader},
		{name: "unterminated", content: "---\ntask_id: x\nno closing fence", want: ErrMalformedHeader},
		{name: "bad-indent", content: "---\ntask_id: x\n  dangling: true\n---\nbody", want: ErrMalformedHeader},
		{name: "not-mapping", content: "---\n- a\n- b\n---\nbody", want: ErrMalformedHeader},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(test.content))
			if !errors.Is(err, test.want) {
				t.Fatalf("err = %v, want %v", err, test.want)
			}
		})
	}
}

func TestEncodeRoundTripPreservesUnknownFieldsAndBody(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleTask))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc.SetHeaderField("claimed_by", "agent-a")
	doc.SetHeaderField("status", StatusInProgress)
	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	reparsed, err := ParseDocument(encoded)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if got := reparsed.HeaderString("claimed_by"); got != "agent-a" {
		t.Fatalf("claimed_by = %q", got)
	}
	if got := reparsed.HeaderString("source"); got != "gmail-watcher" {
		t.Fatalf("source lost in round trip: %q", got)
	}
	original, _ := ParseDocument([]byte(sampleTask))
	if !bytes.Equal(reparsed.Body, original.Body) {
		t.Fatalf("body changed:\n%q\nwant\n%q", reparsed.Body, original.Body)
	}
	reparsed.DeleteHeaderField("claimed_by")
	reparsed.DeleteHeaderField("status")
	keys := reparsed.HeaderKeys()
	wantKeys := original.HeaderKeys()
	if strings.Join(keys, ",") != strings.Join(wantKeys, ",") {
		t.Fatalf("keys = %v, want %v", keys, wantKeys)
	}
}

func TestSynthesizedHeaderWrapsBody(t *testing.T) {
	body := "# Task\n\ndetails"
	doc := NewDocument([]byte(body))
	doc.SetHeaderField("claimed_by", "agent-b")
	doc.SetHeaderField("status", StatusInProgress)
	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	reparsed, err := ParseDocument(encoded)
	if err != nil {
		t.Fatalf("reparse synthesized: %v", err)
	}
	if got := reparsed.HeaderString("claimed_by"); got != "agent-b" {
		t.Fatalf("claimed_by = %q", got)
	}
	if string(reparsed.Body) != body {
		t.Fatalf("body = %q, want %q", reparsed.Body, body)
	}
}

func TestHeaderIntAndDelete(t *testing.T) {
	doc := NewDocument([]byte("body"))
	doc.SetHeaderInt("reclaim_count", 3)
	n, ok, err := doc.HeaderInt("reclaim_count")
	if err != nil || !ok || n != 3 {
		t.Fatalf("reclaim_count = %d ok=%v err=%v", n, ok, err)
	}
	if _, ok, _ := doc.HeaderInt("timeout_minutes"); ok {
		t.Fatalf("absent field reported present")
	}
	doc.DeleteHeaderField("reclaim_count")
	if doc.HasHeaderField("reclaim_count") {
		t.Fatalf("field survived delete")
	}
}

func TestEncodePreservesUntouchedFieldFormatting(t *testing.T) {
	original := []byte(`---
task_id: task-9
labels:
  - infra
  - cleanup
notes: |
  first line
  second line
---
body
`)
	doc, err := ParseDocument(original)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc.SetHeaderField("claimed_by", "agent-a")
	doc.SetHeaderField("status", StatusInProgress)
	claimed, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode claimed: %v", err)
	}
	if !bytes.Contains(claimed, []byte("labels:\n  - infra\n  - cleanup\n")) {
		t.Fatalf("sequence indent rewritten:\n%s", claimed)
	}
	if !bytes.Contains(claimed, []byte("notes: |\n  first line\n  second line\n")) {
		t.Fatalf("block scalar rewritten:\n%s", claimed)
	}

	released, err := ParseDocument(claimed)
	if err != nil {
		t.Fatalf("reparse claimed: %v", err)
	}
	released.DeleteHeaderField("claimed_by")
	released.DeleteHeaderField("status")
	restored, err := released.Encode()
	if err != nil {
		t.Fatalf("encode released: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("round trip changed bytes:\noriginal: %q\nrestored: %q", original, restored)
	}
}

func TestCRLFDocumentRoundTrip(t *testing.T) {
	original := []byte("---\r\ntask_id: task-crlf\r\npriority: high\r\n---\r\nline one\r\nline two\r\n")
	doc, err := ParseDocument(original)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(doc.Body, []byte("line one\r\nline two\r\n")) {
		t.Fatalf("body bytes rewritten: %q", doc.Body)
	}
	doc.SetHeaderField("claimed_by", "agent-a")
	claimed, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode claimed: %v", err)
	}
	if !bytes.HasSuffix(claimed, []byte("---\r\nline one\r\nline two\r\n")) {
		t.Fatalf("claimed file lost CRLF endings: %q", claimed)
	}

	released, err := ParseDocument(claimed)
	if err != nil {
		t.Fatalf("reparse claimed: %v", err)
	}
	released.DeleteHeaderField("claimed_by")
	restored, err := released.Encode()
	if err != nil {
		t.Fatalf("encode released: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("round trip changed bytes:\noriginal: %q\nrestored: %q", original, restored)
	}
}
