package can

type NewBusFunc func(channel string) (Bus, error)

var busRegistry = make(map[string]NewBusFunc)

// Register a new CAN adapter type.
// This should be called inside an init() function of the adapter package.
func Register(adapterType string, newBus NewBusFunc) {
	busRegistry[adapterType] = newBus
}

// Create a new CAN bus with the given adapter type.
// Currently supported : socketcan, slcan, virtualcan
func NewBus(adapterType string, channel string) (Bus, error) {
	newBus, ok := busRegistry[adapterType]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return newBus(channel)
}

// Adapters returns the registered adapter type names
func Adapters() []string {
	names := make([]string, 0, len(busRegistry))
	for name := range busRegistry {
		names = append(names, name)
	}
	return names
}
