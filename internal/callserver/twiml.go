package callserver

import (
	"encoding/xml"
	"net/http"
	"net/url"

	"github.com/MrWong99/phonebridge/internal/config"
)

// TwiML verbs used in the call-entry document.
type (
	twimlResponse struct {
		XMLName xml.Name `xml:"Response"`
		Verbs   []any
	}
	twimlSay struct {
		XMLName xml.Name `xml:"Say"`
		Text    string   `xml:",chardata"`
	}
	twimlPause struct {
		XMLName xml.Name `xml:"Pause"`
		Length  int      `xml:"length,attr"`
	}
	twimlConnect struct {
		XMLName xml.Name `xml:"Connect"`
		Stream  twimlStream
	}
	twimlStream struct {
		XMLName xml.Name `xml:"Stream"`
		URL     string   `xml:"url,attr"`
	}
)

// streamURL is the media-stream address the telephony provider is told to
// connect to.
func streamURL(host, path string) string {
	return (&url.URL{Scheme: "wss", Host: host, Path: path}).String()
}

// incomingCallDocument builds the call-control document: each greeting is
// spoken with a pause in between, then the call is connected to the media
// stream.
func incomingCallDocument(call config.CallConfig, streamAddr string) ([]byte, error) {
	doc := twimlResponse{}
	for i, g := range call.Greetings {
		if i > 0 && call.PauseSeconds > 0 {
			doc.Verbs = append(doc.Verbs, twimlPause{Length: call.PauseSeconds})
		}
		doc.Verbs = append(doc.Verbs, twimlSay{Text: g})
	}
	doc.Verbs = append(doc.Verbs, twimlConnect{Stream: twimlStream{URL: streamAddr}})

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	doc, err := incomingCallDocument(cfg.Call, streamURL(r.Host, cfg.Server.StreamPath))
	if err != nil {
		s.logger(r.Context()).Error("failed to render call document", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(doc)
}
