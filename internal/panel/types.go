package panel

import (
	"encoding/json"
	"fmt"
)

// Inbound is a 3x-ui inbound listener
type Inbound struct {
	ID       int    `json:"id"`
	Remark   string `json:"remark"`
	Enable   bool   `json:"enable"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Up       int64  `json:"up"`
	Down     int64  `json:"down"`
	Settings string `json:"settings"` // JSON document with a clients array
}

// InboundClient is one client entry inside inbound settings
type InboundClient struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Enable bool   `json:"enable"`
}

// Clients decodes the client list stored in Settings
func (i *Inbound) Clients() ([]InboundClient, error) {
	if i.Settings == "" {
		return nil, nil
	}

	var settings struct {
		Clients []InboundClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(i.Settings), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings of inbound %d: %w", i.ID, err)
	}

	return settings.Clients, nil
}

// CountActive returns the number of enabled inbounds
func CountActive(inbounds []Inbound) int {
	n := 0
	for _, in := range inbounds {
		if in.Enable {
			n++
		}
	}
	return n
}

// ClientStats counts total and enabled clients across inbounds. Inbounds
// with undecodable settings are skipped.
func ClientStats(inbounds []Inbound) (total, active int) {
	for _, in := range inbounds {
		clients, err := in.Clients()
		if err != nil {
			continue
		}
		total += len(clients)
		for _, c := range clients {
			if c.Enable {
				active++
			}
		}
	}
	return total, active
}

// ServerStatus is the host snapshot reported by the panel
type ServerStatus struct {
	CPU    float64 `json:"cpu"`
	Uptime uint64  `json:"uptime"`
	Mem    struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"mem"`
	Xray struct {
		State   string `json:"state"`
		Version string `json:"version"`
	} `json:"xray"`
}
