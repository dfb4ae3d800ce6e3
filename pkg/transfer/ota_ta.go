//go:build ta_fw

package transfer

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// CompletionMode names what happens once the whole image is loaded
const CompletionMode = "radio-reinit"

// complete activates a radio coprocessor image by restarting the radio once the
// coprocessor has finished its safe upgrade
func (o *OTA) complete() error {
	radio := o.opts.Radio
	if radio == nil {
		return fmt.Errorf("no radio configured")
	}

	log.Info("Radio firmware loaded, safe upgrade in progress")
	if err := radio.Deinit(); err != nil {
		return fmt.Errorf("radio deinit: %w", err)
	}

	time.Sleep(o.opts.RadioSettle)

	if err := radio.Init(); err != nil {
		return fmt.Errorf("radio init: %w", err)
	}

	version, err := radio.FirmwareVersion()
	if err != nil {
		return fmt.Errorf("radio firmware version: %w", err)
	}
	log.Infof("Radio firmware version after update: %s", version)
	return nil
}
