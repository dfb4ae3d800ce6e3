//go:build !ta_fw

package transfer

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// CompletionMode names what happens once the whole image is loaded
const CompletionMode = "reboot"

// complete activates an application processor image by rebooting into it
func (o *OTA) complete() error {
	if o.opts.Rebooter == nil {
		return fmt.Errorf("no rebooter configured")
	}
	log.Info("Application firmware loaded, rebooting")
	return o.opts.Rebooter.Reboot()
}
