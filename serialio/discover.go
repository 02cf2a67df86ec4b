package serialio

import "go.bug.st/serial/enumerator"

// PortInfo describes one serial device the OS currently exposes,
// generalizing spjs.SerialPort (which described a port as the SPJS relay
// saw it) onto go.bug.st/serial/enumerator's local device listing.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID, PID     string
	SerialNumber string
}

// List returns every serial port currently visible to the OS.
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return ports, nil
}

// Matcher decides whether a PortInfo is the device this host should open.
type Matcher func(PortInfo) bool

// VIDPIDMatcher matches on USB vendor/product ID, the common way to find
// a GRBL board (Arduino/CH340/FTDI clones) without relying on a stable
// device name across OSes.
func VIDPIDMatcher(vid, pid string) Matcher {
	return func(p PortInfo) bool { return p.IsUSB && p.VID == vid && p.PID == pid }
}

// Find returns the name of the first port List() reports that m accepts.
func Find(m Matcher) (string, error) {
	ports, err := List()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if m(p) {
			return p.Name, nil
		}
	}
	return "", errPortNotFound
}

var errPortNotFound = portNotFoundError{}

type portNotFoundError struct{}

func (portNotFoundError) Error() string { return "serialio: no matching port found" }
