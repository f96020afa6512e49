package webplugin

// DispatchEvent asks the host to dispatch event to every plugin and returns
// the first response.
func DispatchEvent(event string, args ...any) (any, error) {
	return callHost(HostCall{Op: OpDispatch, Name: event, Args: args})
}

// RunExposed runs a function another plugin exposed.
func RunExposed(name string, args ...any) (any, error) {
	return callHost(HostCall{Op: OpRunExposed, Name: name, Args: args})
}
