package sipua

import (
	"fmt"
	"strconv"
	"strings"
)

// buildSDP constructs a minimal audio-only SDP body offering PCMU/PCMA with
// telephone-event, at the given media address. direction is "sendrecv",
// "sendonly" or "inactive".
func buildSDP(sessionID int64, ip string, port int, direction string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=sentinelx %d %d IN IP4 %s\r\n", sessionID, sessionID, ip)
	fmt.Fprintf(&b, "s=call\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", ip)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", port)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", direction)
	return []byte(b.String())
}

// sdpEndpoint extracts the connection address and audio port from an SDP
// body. Returns an error if either is missing.
func sdpEndpoint(body []byte) (ip string, port int, err error) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			ip = strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 "))
		case strings.HasPrefix(line, "m=audio "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				port, _ = strconv.Atoi(fields[1])
			}
		}
	}
	if ip == "" {
		return "", 0, fmt.Errorf("sdp has no connection address")
	}
	if port == 0 {
		return "", 0, fmt.Errorf("sdp has no audio media line")
	}
	return ip, port, nil
}

// redirectSDP rewrites an SDP body so its connection address and audio port
// point at the given endpoint. Used to steer one call leg's media at another
// leg when bridging.
func redirectSDP(body []byte, ip string, port int) []byte {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, "c=IN IP4 "):
			lines[i] = fmt.Sprintf("c=IN IP4 %s\r", ip)
		case strings.HasPrefix(trimmed, "m=audio "):
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				fields[1] = strconv.Itoa(port)
				lines[i] = strings.Join(fields, " ") + "\r"
			}
		}
	}
	return []byte(strings.Join(lines, "\n"))
}
