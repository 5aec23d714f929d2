// Package extapi serves paginated data sets over bus RPC.
//
// A caller sends a DataRequest naming a provider, an object and an action.
// The server looks the provider up in a Registry, asks it for a
// DataGenerator and answers with a Created status carrying the number of
// parts, one DataResponse per part and a final Ready status. Unknown
// providers are answered with NotFound; provider and generator failures end
// the exchange with Error.
//
// Serving side:
//
//	registry := extapi.NewRegistry()
//	err := registry.Register("crm", "customers", "list", listCustomers)
//	cfg, err := bus.NewConfig(bus.WithConnectionString(url), extapi.Install(registry))
//
// Calling side:
//
//	cfg, err := bus.NewConfig(bus.WithConnectionString(url), extapi.EnableClient())
//	result, err := extapi.Collect(ctx, conn, extapi.DataRequest{
//		ProviderName: "crm",
//		ObjectName:   "customers",
//		Action:       "list",
//	})
package extapi
