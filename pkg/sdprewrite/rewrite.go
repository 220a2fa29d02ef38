// Package sdprewrite injects a sprop-parameter-sets fmtp line into an
// answer SDP so that a WebRTC receiver can decode the first in-band
// keyframe without having requested one.
//
// The substitution itself is a single anchored regex replace rather
// than a full parse/remarshal, so it does not attempt to canonicalize
// CRLF vs LF.
package sdprewrite

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

// Rewrite replaces the first `a=rtpmap:<payloadType> <name>/<clockRate>`
// line in sdpText with an H264 rtpmap/fmtp pair carrying sps and pps as
// sprop-parameter-sets. If either is absent, sdpText is returned
// unchanged. Only the first match is substituted.
func Rewrite(sdpText string, payloadType uint8, clockRate int, sps, pps []byte) string {
	if len(sps) == 0 || len(pps) == 0 {
		return sdpText
	}

	re := rtpmapPattern(payloadType, clockRate)
	loc := re.FindStringIndex(sdpText)
	if loc == nil {
		return sdpText
	}

	replacement := fmt.Sprintf(
		"a=rtpmap:%d H264/%d\r\na=fmtp:%d level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f;sprop-parameter-sets=%s,%s",
		payloadType, clockRate, payloadType,
		base64.StdEncoding.EncodeToString(sps),
		base64.StdEncoding.EncodeToString(pps),
	)

	return sdpText[:loc[0]] + replacement + sdpText[loc[1]:]
}

func rtpmapPattern(payloadType uint8, clockRate int) *regexp.Regexp {
	pattern := fmt.Sprintf(`a=rtpmap:%d [^/\r\n]+/%d`, payloadType, clockRate)
	return regexp.MustCompile(pattern)
}

// ExtractSSRC returns the numeric token from the first `a=ssrc:<n>` line
// found in sdpText. It deliberately reads the first such line in the
// whole SDP, not scoped to a particular media section — acceptable here
// because the peer's transceiver configuration permits only one video
// m-line.
//
// The regex-extracted value is cross-checked against a structured parse
// with pion/sdp/v3 when that parse succeeds; a structured-parse failure
// or disagreement is not itself an error — the local SDP this relay
// just constructed may use line endings or ordering pion's parser
// doesn't expect, and the regex result is the one actually returned.
func ExtractSSRC(sdpText string) (uint32, error) {
	re := regexp.MustCompile(`a=ssrc:(\d+)`)
	m := re.FindStringSubmatch(sdpText)
	if m == nil {
		return 0, fmt.Errorf("sdprewrite: no a=ssrc line found")
	}
	var ssrc uint32
	if _, err := fmt.Sscanf(m[1], "%d", &ssrc); err != nil {
		return 0, fmt.Errorf("sdprewrite: parse ssrc %q: %w", m[1], err)
	}

	if parsed, ok := tryParseSDP(sdpText); ok && !mediaHasSSRC(parsed, m[1]) {
		slog.Default().Debug("sdprewrite: regex-extracted ssrc not found in structured parse",
			"ssrc", m[1])
	}

	return ssrc, nil
}

func tryParseSDP(sdpText string) (*sdp.SessionDescription, bool) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return nil, false
	}
	return parsed, true
}

func mediaHasSSRC(parsed *sdp.SessionDescription, wantSSRC string) bool {
	for _, md := range parsed.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key == "ssrc" && strings.HasPrefix(attr.Value, wantSSRC) {
				return true
			}
		}
	}
	return false
}
