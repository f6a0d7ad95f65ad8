package mediastream_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/phonebridge/pkg/mediastream"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		wantEvent string
		wantErr   error
		wantAny   bool
	}{
		{
			name:      "start",
			in:        `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`,
			wantEvent: mediastream.EventStart,
		},
		{
			name:      "media",
			in:        `{"event":"media","media":{"track":"inbound","payload":"AAEC"}}`,
			wantEvent: mediastream.EventMedia,
		},
		{
			name:      "unknown event passes through",
			in:        `{"event":"something-new","foo":1}`,
			wantEvent: "something-new",
		},
		{
			name:    "start without streamSid",
			in:      `{"event":"start","start":{}}`,
			wantErr: mediastream.ErrMissingField,
		},
		{
			name:    "media without payload",
			in:      `{"event":"media","media":{"track":"inbound"}}`,
			wantErr: mediastream.ErrMissingField,
		},
		{
			name:    "malformed json",
			in:      `{"event":`,
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt, err := mediastream.Decode([]byte(tt.in))
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Fatal("expected error for malformed input")
				}
			default:
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if evt.Event != tt.wantEvent {
					t.Errorf("Event = %q, want %q", evt.Event, tt.wantEvent)
				}
			}
		})
	}
}

func TestDecode_StartMetadata(t *testing.T) {
	t.Parallel()
	evt, err := mediastream.Decode([]byte(`{"event":"start","start":{"streamSid":"MZ9","callSid":"CA9","customParameters":{"caller":"+1555"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Start.StreamSID != "MZ9" || evt.Start.CallSID != "CA9" {
		t.Errorf("start = %+v", evt.Start)
	}
	if evt.Start.MediaFormat == nil || evt.Start.MediaFormat.SampleRate != 8000 {
		t.Errorf("mediaFormat = %+v", evt.Start.MediaFormat)
	}
	if evt.Start.CustomParameters["caller"] != "+1555" {
		t.Errorf("customParameters = %v", evt.Start.CustomParameters)
	}
}

func TestEncodeMedia(t *testing.T) {
	t.Parallel()
	data, err := mediastream.EncodeMedia("CA123", "cGF5bG9hZA==")
	if err != nil {
		t.Fatalf("EncodeMedia: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "media" {
		t.Errorf("event = %v, want media", got["event"])
	}
	if got["streamSid"] != "CA123" {
		t.Errorf("streamSid = %v, want CA123", got["streamSid"])
	}
	media, _ := got["media"].(map[string]any)
	if media["payload"] != "cGF5bG9hZA==" {
		t.Errorf("media.payload = %v", media["payload"])
	}
}

func TestEncodeClear(t *testing.T) {
	t.Parallel()
	data, err := mediastream.EncodeClear("MZ1")
	if err != nil {
		t.Fatalf("EncodeClear: %v", err)
	}
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Errorf("EncodeClear = %s", data)
	}
}
