package provisioning

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTag returns a popup_id: URL-safe base64 of 6 random bytes, 8 characters long.
func NewTag() string {
	id := uuid.New()
	return base64.URLEncoding.EncodeToString(id[:6])
}

// GroupName names both the key pair and the security group of a popup.
func GroupName(owner, tag string) string {
	return fmt.Sprintf("popup-%s-%s", owner, tag)
}

// DateStamp formats t as YYYYMMDD, the start_date tag format.
func DateStamp(t time.Time) string {
	return t.Format("20060102")
}

// ConnectionString is the ssh command line printed after create.
func ConnectionString(keyPath, user, host string) string {
	return fmt.Sprintf("ssh -i %s %s@%s", keyPath, user, host)
}
