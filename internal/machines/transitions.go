package machines

import (
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

// legalEdges is the machine status transition matrix. Anything not listed is
// rejected. maintenance is sticky: only an explicit completion leaves it, the
// heartbeat monitor never pulls a machine out of the shop.
var legalEdges = map[data.MachineStatus][]data.MachineStatus{
	data.StatusOnline:      {data.StatusInUse, data.StatusOffline, data.StatusMaintenance},
	data.StatusInUse:       {data.StatusOnline, data.StatusOffline},
	data.StatusOffline:     {data.StatusOnline, data.StatusMaintenance},
	data.StatusMaintenance: {data.StatusOnline},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to data.MachineStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition sources recorded in the status trail.
const (
	SourceAPI     = "api"
	SourceDevice  = "device"
	SourceMonitor = "monitor"
	SourceSystem  = "system"
)
