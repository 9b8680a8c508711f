package provisioning

import (
	"bytes"
	"fmt"
	"text/template"
)

// cloud-init's power_state delay is in minutes
const cloudConfigTemplate = `#cloud-config
power_state:
  delay: "+{{.Minutes}}"
  mode: poweroff
  message: "popup {{.PopupID}} reached its {{.Hours}}h lifetime"
  timeout: 30
  condition: true
`

// CloudConfigData represents the data for cloud-config template
type CloudConfigData struct {
	PopupID string
	Hours   int
	Minutes int
}

// GenerateCloudConfig returns user data that powers the instance off after
// lifetime hours. A non-positive lifetime yields no user data.
func GenerateCloudConfig(popupID string, lifetime int) (string, error) {
	if lifetime <= 0 {
		return "", nil
	}

	tmpl, err := template.New("cloud-config").Parse(cloudConfigTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse cloud-config template: %w", err)
	}

	data := CloudConfigData{
		PopupID: popupID,
		Hours:   lifetime,
		Minutes: lifetime * 60,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute cloud-config template: %w", err)
	}

	return buf.String(), nil
}
