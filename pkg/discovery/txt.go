package discovery

import (
	"strings"
)

// TXT record keys used in hub advertisements.
const (
	txtKeyVersion = "version"
	txtKeySecure  = "secure"
	txtKeyPath    = "path"
)

// EncodeTXT builds the TXT record strings for a hub advertisement.
func EncodeTXT(version string, secure bool, path string) []string {
	txt := make([]string, 0, 3)
	if version != "" {
		txt = append(txt, txtKeyVersion+"="+version)
	}
	if secure {
		txt = append(txt, txtKeySecure+"=1")
	}
	if path != "" && path != "/" {
		txt = append(txt, txtKeyPath+"="+path)
	}
	return txt
}

// decodeTXT parses hub TXT records into svc. Unknown keys are ignored.
func decodeTXT(txt []string, svc *HubService) {
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case txtKeyVersion:
			svc.Version = value
		case txtKeySecure:
			svc.Secure = value == "1" || value == "true"
		case txtKeyPath:
			svc.Path = value
		}
	}
}
