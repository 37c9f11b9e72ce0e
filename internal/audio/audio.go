// Package audio provides the extension -> PCMU audio buffer lookup the
// dispatcher needs to answer an INVITE, plus a tiny built-in silence
// fixture encoded with the same g711 library the reference audio pipeline
// uses. Rendering real greetings/prompts from WAV/TTS sources is out of
// scope here; this package only loads pre-rendered raw mu-law files and,
// in -demo mode, synthesizes a short silent buffer so the server can be
// exercised end-to-end without any external audio asset.
package audio

import (
	"os"

	"github.com/zaf/g711"
)

// Router resolves a dialed extension to its raw PCMU (mu-law) buffer.
type Router struct {
	routes map[string][]byte
	demo   []byte // fallback served for any extension when demo mode is on
}

// NewRouter loads each file named in routes (extension -> file path) into
// memory as a raw mu-law byte buffer. demoFallback, if non-nil, is served
// for any extension not present in routes.
func NewRouter(routes map[string]string, demoFallback []byte) (*Router, error) {
	r := &Router{routes: make(map[string][]byte, len(routes)), demo: demoFallback}
	for ext, path := range routes {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		r.routes[ext] = data
	}
	return r, nil
}

// Lookup implements dialog.RouteTable.
func (r *Router) Lookup(extension string) ([]byte, bool) {
	if buf, ok := r.routes[extension]; ok {
		return buf, true
	}
	if r.demo != nil {
		return r.demo, true
	}
	return nil, false
}

// Silence returns durationMs milliseconds of mu-law-encoded silence,
// built by g711-encoding a zeroed 16-bit PCM buffer at 8kHz mono — the
// same PCMToPCMU path the reference audio pipeline uses for any other
// source buffer, just fed silence instead of a decoded WAV file.
func Silence(durationMs int) []byte {
	samples := 8000 * durationMs / 1000
	pcm := make([]byte, samples*2) // 16-bit little-endian silence
	return g711.EncodeUlaw(pcm)
}
