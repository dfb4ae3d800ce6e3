//go:build linux

package bluetooth

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"
	log "github.com/sirupsen/logrus"
)

// Ble represents the Bluetooth Low Energy device
type Ble struct {
	device *gatt.Device
	opts   Options

	central    gatt.Central
	centralMtx sync.RWMutex

	// Notifiers for each characteristic
	notifiers    map[CharacteristicType]gatt.Notifier
	notifiersMtx sync.Mutex

	// Data storage for each characteristic (for reads)
	charData    map[CharacteristicType][]byte
	charDataMtx sync.RWMutex

	// Handlers
	writeHandler      WriteHandler
	connectionHandler ConnectionHandler
}

// DefaultServerOptions contains the default options for the BLE server on Linux
var DefaultServerOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, true),
	gatt.LnxSetAdvertisingParameters(&cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: 0x00f4,
		AdvertisingIntervalMax: 0x00f4,
		AdvertisingChannelMap:  0x7,
	}),
}

// New opens the HCI device and publishes the collar services once it powers on
func New(opts Options) (*Ble, error) {
	opts.setDefaults()

	d, err := gatt.NewDevice(DefaultServerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	b := &Ble{
		device:    &d,
		opts:      opts,
		notifiers: make(map[CharacteristicType]gatt.Notifier),
		charData:  make(map[CharacteristicType][]byte),
	}
	b.charData[CharFirmwareVersion] = []byte(opts.FirmwareVersion)

	d.Handle(
		gatt.CentralConnected(func(c gatt.Central) {
			log.Infof("pkg bluetooth; ** New connection from: %s", c.ID())
			b.centralMtx.Lock()
			b.central = c
			b.centralMtx.Unlock()
			if b.connectionHandler != nil {
				b.connectionHandler(true, c.ID())
			}
		}),
		gatt.CentralDisconnected(func(c gatt.Central) {
			log.Infof("pkg bluetooth; ** disconnect: %s", c.ID())
			b.centralMtx.Lock()
			b.central = nil
			b.centralMtx.Unlock()

			b.notifiersMtx.Lock()
			b.notifiers = make(map[CharacteristicType]gatt.Notifier)
			b.notifiersMtx.Unlock()

			if b.connectionHandler != nil {
				b.connectionHandler(false, c.ID())
			}
		}),
	)

	onStateChanged := func(d gatt.Device, s gatt.State) {
		log.Infof("Bluetooth state: %s", s)
		switch s {
		case gatt.StatePoweredOn:
			if err := b.setupService(d); err != nil {
				log.Errorf("pkg bluetooth; %v", err)
			}
		default:
		}
	}

	if err := d.Init(onStateChanged); err != nil {
		return nil, fmt.Errorf("could not init bluetooth: %w", err)
	}

	return b, nil
}

// setupService adds every service and starts advertising
func (b *Ble) setupService(d gatt.Device) error {
	if err := b.addGenericAccessService(d); err != nil {
		return err
	}
	if err := b.addDeviceInformationService(d); err != nil {
		return err
	}

	collarUUID := gatt.MustParseUUID(CollarServiceUUID)
	s := gatt.NewService(collarUUID)
	b.addWriteCharacteristic(s, TxCharUUID, CharTx)
	b.addReadCharacteristic(s, RxCharUUID, CharRx)
	b.addNotifyCharacteristic(s, NotifyCharUUID, CharNotify)
	if err := d.AddService(s); err != nil {
		return fmt.Errorf("could not add collar service: %w", err)
	}

	ota := gatt.NewService(gatt.MustParseUUID(OTAServiceUUID))
	b.addWriteCharacteristic(ota, OTAControlCharUUID, CharOTAControl)
	b.addWriteCharacteristic(ota, OTADataCharUUID, CharOTAData)
	b.addReadCharacteristic(ota, FirmwareVersionCharUUID, CharFirmwareVersion)
	if err := d.AddService(ota); err != nil {
		return fmt.Errorf("could not add OTA service: %w", err)
	}

	err := retryWithBackoff("advertising", b.opts.AdvertiseAttempts, b.opts.AdvertiseBackoff, time.Sleep, func() error {
		return d.AdvertiseNameAndServices(b.opts.Name, []gatt.UUID{collarUUID})
	})
	if err != nil {
		return err
	}

	log.Infof("pkg bluetooth; %s is now advertising", b.opts.Name)
	log.Infof("pkg bluetooth; Service UUID: %s", CollarServiceUUID)
	return nil
}

func (b *Ble) addGenericAccessService(d gatt.Device) error {
	s := gatt.NewService(gatt.MustParseUUID(GenericAccessServiceUUID))
	addStaticCharacteristic(s, DeviceNameCharUUID, []byte(b.opts.Name))
	addStaticCharacteristic(s, AppearanceCharUUID, []byte{0x00, 0x00})
	if err := d.AddService(s); err != nil {
		return fmt.Errorf("could not add Generic Access service: %w", err)
	}
	return nil
}

func (b *Ble) addDeviceInformationService(d gatt.Device) error {
	s := gatt.NewService(gatt.MustParseUUID(DeviceInformationServiceUUID))
	addStaticCharacteristic(s, ManufacturerNameStringCharUUID, []byte(b.opts.Manufacturer))
	addStaticCharacteristic(s, ModelNumberStringCharUUID, []byte(b.opts.Model))
	addStaticCharacteristic(s, SerialNumberStringCharUUID, []byte(b.opts.SerialNumber))
	addStaticCharacteristic(s, FirmwareRevisionStringCharUUID, []byte(b.opts.FirmwareVersion))
	if err := d.AddService(s); err != nil {
		return fmt.Errorf("could not add Device Information service: %w", err)
	}
	return nil
}

func addStaticCharacteristic(s *gatt.Service, uuidStr string, value []byte) {
	char := s.AddCharacteristic(gatt.MustParseUUID(uuidStr))
	char.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		if _, err := rsp.Write(value); err != nil {
			log.Warnf("Failed to write BLE response: %v", err)
		}
	})
}

func (b *Ble) addWriteCharacteristic(s *gatt.Service, uuidStr string, charType CharacteristicType) {
	char := s.AddCharacteristic(gatt.MustParseUUID(uuidStr))
	char.HandleWriteFunc(func(r gatt.Request, data []byte) (status byte) {
		log.Tracef("pkg bluetooth; received write on %s: %s", charType, hex.EncodeToString(data))

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		if b.writeHandler != nil {
			b.writeHandler(charType, dataCopy)
		}
		return 0
	})
}

func (b *Ble) addReadCharacteristic(s *gatt.Service, uuidStr string, charType CharacteristicType) {
	char := s.AddCharacteristic(gatt.MustParseUUID(uuidStr))
	char.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		b.charDataMtx.RLock()
		data := b.charData[charType]
		b.charDataMtx.RUnlock()

		if data == nil {
			data = []byte{}
		}

		log.Tracef("pkg bluetooth; read request on %s, responding with: %s", charType, hex.EncodeToString(data))
		if _, err := rsp.Write(data); err != nil {
			log.Warnf("Failed to write BLE response: %v", err)
		}
	})
}

func (b *Ble) addNotifyCharacteristic(s *gatt.Service, uuidStr string, charType CharacteristicType) {
	char := s.AddCharacteristic(gatt.MustParseUUID(uuidStr))
	char.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
		b.notifiersMtx.Lock()
		b.notifiers[charType] = n
		b.notifiersMtx.Unlock()
		log.Infof("pkg bluetooth; notifications enabled for %s from %s", charType, r.Central.ID())
	})
}

// SetWriteHandler sets the callback for when data is written to any characteristic
func (b *Ble) SetWriteHandler(handler WriteHandler) {
	b.writeHandler = handler
}

// SetConnectionHandler sets the callback for when a central connects or disconnects
func (b *Ble) SetConnectionHandler(handler ConnectionHandler) {
	b.connectionHandler = handler
}

// SetCharacteristicData sets the data that will be returned when a characteristic is read
func (b *Ble) SetCharacteristicData(charType CharacteristicType, data []byte) {
	b.charDataMtx.Lock()
	defer b.charDataMtx.Unlock()
	b.charData[charType] = append([]byte(nil), data...)
}

// Notify sends a notification on the specified characteristic
func (b *Ble) Notify(charType CharacteristicType, data []byte) error {
	b.notifiersMtx.Lock()
	notifier, exists := b.notifiers[charType]
	b.notifiersMtx.Unlock()

	if !exists || notifier == nil {
		return fmt.Errorf("no notifier registered for %s", charType)
	}

	if notifier.Done() {
		return fmt.Errorf("notifier for %s is closed", charType)
	}

	if limit := notifier.Cap(); len(data) > limit {
		return fmt.Errorf("%d byte notification exceeds %s capacity %d", len(data), charType, limit)
	}

	log.Tracef("pkg bluetooth; sending notification on %s: %s", charType, hex.EncodeToString(data))
	_, err := notifier.Write(data)
	return err
}

// IsConnected returns true if a central device is connected
func (b *Ble) IsConnected() bool {
	b.centralMtx.RLock()
	defer b.centralMtx.RUnlock()
	return b.central != nil
}

// ShutdownConnection closes the connection with the central device
func (b *Ble) ShutdownConnection() {
	b.centralMtx.RLock()
	c := b.central
	b.centralMtx.RUnlock()

	if c != nil {
		if err := c.Close(); err != nil {
			log.Debugf("Error closing central connection: %v", err)
		}
	}
}

// Close drops the central and stops advertising
func (b *Ble) Close() error {
	b.ShutdownConnection()
	return (*b.device).StopAdvertising()
}
