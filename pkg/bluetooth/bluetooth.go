// Package bluetooth exposes the collar as a GATT peripheral: the command
// service carrying protocol frames and the OTA service carrying firmware.
package bluetooth

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Collar command service
const (
	CollarServiceUUID = "00c74f02-d1bc-11ed-afa1-0242ac120002"
	TxCharUUID        = "6765a69d-cd79-4df6-aad5-043df9425556"
	RxCharUUID        = "b6ab2ce3-a5aa-436a-817a-cc13a45aab76"
	NotifyCharUUID    = "207bdc30-c3cc-4a14-8b66-56ba8a826640"
)

// Firmware update service
const (
	OTAServiceUUID          = "1D14D6EE-FD63-4FA1-BFA4-8F47B42119F0"
	OTAControlCharUUID      = "F7BF3564-FB6D-4E53-88A4-5E37E0326063"
	OTADataCharUUID         = "984227F3-34FC-4045-A5D0-2C581F81A153"
	FirmwareVersionCharUUID = "4F4A2368-8CCA-451E-BFFF-CF0E2EE23E9F"
)

// Standard services
const (
	GenericAccessServiceUUID       = "1800"
	DeviceNameCharUUID             = "2A00"
	AppearanceCharUUID             = "2A01"
	DeviceInformationServiceUUID   = "180A"
	ManufacturerNameStringCharUUID = "2A29"
	ModelNumberStringCharUUID      = "2A24"
	SerialNumberStringCharUUID     = "2A25"
	FirmwareRevisionStringCharUUID = "2A26"
)

// CharacteristicType identifies which characteristic received data
type CharacteristicType int

const (
	CharTx CharacteristicType = iota
	CharRx
	CharNotify
	CharOTAControl
	CharOTAData
	CharFirmwareVersion
)

func (c CharacteristicType) String() string {
	switch c {
	case CharTx:
		return "Tx"
	case CharRx:
		return "Rx"
	case CharNotify:
		return "Notify"
	case CharOTAControl:
		return "OTAControl"
	case CharOTAData:
		return "OTAData"
	case CharFirmwareVersion:
		return "FirmwareVersion"
	default:
		return "Unknown"
	}
}

// WriteHandler is called when data is written to a characteristic
type WriteHandler func(charType CharacteristicType, data []byte)

// ConnectionHandler is called when a central connects or disconnects
type ConnectionHandler func(connected bool, peer string)

// Options describe what the peripheral advertises
type Options struct {
	Name            string
	Manufacturer    string
	Model           string
	SerialNumber    string
	FirmwareVersion string

	// AdvertiseAttempts bounds advertising retries; AdvertiseBackoff is the first delay
	AdvertiseAttempts int
	AdvertiseBackoff  time.Duration
}

const (
	DefaultAdvertiseAttempts = 5
	DefaultAdvertiseBackoff  = 500 * time.Millisecond
	maxAdvertiseBackoff      = 8 * time.Second
)

var ErrNotConnected = errors.New("no central connected")

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "Collar"
	}
	if o.AdvertiseAttempts <= 0 {
		o.AdvertiseAttempts = DefaultAdvertiseAttempts
	}
	if o.AdvertiseBackoff <= 0 {
		o.AdvertiseBackoff = DefaultAdvertiseBackoff
	}
}

// retryWithBackoff calls fn up to attempts times, doubling the delay between
// failures up to maxAdvertiseBackoff
func retryWithBackoff(what string, attempts int, delay time.Duration, sleep func(time.Duration), fn func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			if i > 1 {
				log.Infof("pkg bluetooth; %s succeeded on attempt %d", what, i)
			}
			return nil
		}
		if i == attempts {
			break
		}
		log.Warnf("pkg bluetooth; %s failed (attempt %d/%d), retrying in %v: %v", what, i, attempts, delay, err)
		sleep(delay)
		delay *= 2
		if delay > maxAdvertiseBackoff {
			delay = maxAdvertiseBackoff
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, attempts, err)
}

// peripheral is the part of Ble used by Link
type peripheral interface {
	Notify(charType CharacteristicType, data []byte) error
	SetCharacteristicData(charType CharacteristicType, data []byte)
	IsConnected() bool
}

// Link adapts the peripheral to the command transport. Responses are left on
// the Rx characteristic for reads and also notified; streamed records are only
// notified.
type Link struct {
	p peripheral
}

// NewLink wraps b as a command transport
func NewLink(b *Ble) *Link {
	return &Link{p: b}
}

// Send publishes a command response
func (l *Link) Send(b []byte) error {
	if !l.p.IsConnected() {
		return ErrNotConnected
	}
	l.p.SetCharacteristicData(CharRx, b)
	return l.p.Notify(CharNotify, b)
}

// Notify pushes an unsolicited frame
func (l *Link) Notify(b []byte) error {
	if !l.p.IsConnected() {
		return ErrNotConnected
	}
	return l.p.Notify(CharNotify, b)
}

func (l *Link) IsConnected() bool {
	return l.p.IsConnected()
}
