package environment

import (
	"fmt"
	"sync"
)

// portReservations is the host-port-ACL half of EnvironmentManager: this
// layer only reserves and frees a port number per instance+endpoint, since
// the actual firewall/ACL rule application is an OS-privileged operation
// delegated to the ActivatorClient (§4.6), outside this package's scope.
type portReservations struct {
	mu        sync.Mutex
	reserved  map[int]string // port -> "instanceID/endpointName" holder
	byInstance map[string][]int
}

func newPortReservations() *portReservations {
	return &portReservations{
		reserved:   make(map[int]string),
		byInstance: make(map[string][]int),
	}
}

func (p *portReservations) reserve(instanceID, endpointName string, port int, protocol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	holder := fmt.Sprintf("%s/%s", instanceID, endpointName)
	if existing, ok := p.reserved[port]; ok && existing != holder {
		return fmt.Errorf("port %d already reserved by %s", port, existing)
	}

	p.reserved[port] = holder
	p.byInstance[instanceID] = append(p.byInstance[instanceID], port)
	return nil
}

func (p *portReservations) releaseAll(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.byInstance[instanceID] {
		delete(p.reserved, port)
	}
	delete(p.byInstance, instanceID)
}
