package driver

import (
	"sort"

	"go.bug.st/serial"

	"github.com/posfleet/terminald/internal/models"
)

// ListSerialReaders enumerates the serial ports attached to the host as
// candidate reader descriptors. Serial-attached processor families bind
// their readers to one of these ports; the operator surface exposes the
// list as a diagnostic.
func ListSerialReaders() ([]models.ReaderDescriptor, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	out := make([]models.ReaderDescriptor, 0, len(ports))
	for _, p := range ports {
		out = append(out, models.ReaderDescriptor{
			ID:    p,
			Label: "Serial port " + p,
		})
	}
	return out, nil
}
