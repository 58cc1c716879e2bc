// Package device implements the Device Registry & Discovery for devicelink.
//
// Devices are identified by a hardware-derived id (MAC or chip id) and are
// never created by an operator: the first message from an unseen id
// registers it.
//
// # Discovery
//
// Registry.Observe upserts the device in a single
// INSERT ... ON CONFLICT(device_id) DO UPDATE ... RETURNING statement, so
// concurrent first sightings (several consumers, redelivered messages)
// produce one row. Within the process, sightings of the same id are also
// coalesced, and the discovery hook (the welcome command) runs only for
// the sighting that created the row.
//
// # Connected Set
//
// The registry keeps the ids seen since their last demotion in memory,
// with the time of each id's latest sighting. Messages from ids in the set
// skip the database. The liveness tracker calls Release when it demotes a
// device, and a sighting newer than the demotion keeps the id in the set.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo, cfg.Discovery.NamePrefix)
//	registry.SetDiscoveryHook(func(ctx context.Context, d *device.Device) {
//	    publisher.Welcome(ctx, d.ID)
//	})
//
//	created, err := registry.Observe(ctx, "a4cf12f03c2a", time.Now())
package device
