// Package devicecache keeps a bounded, locally durable copy of remote assets
// on an offline-capable signage player and serves them with freshness and
// capacity guarantees even when the network or remote origin is unavailable.
//
// The package pairs a capacity-bounded, durable metadata index ([cache])
// with a policy layer, the [Manager], that gives each resource kind the
// semantics it needs:
//
//   - Code bundles are validated against the origin's content fingerprint on
//     every use ([Manager.Import]).
//   - Data documents honor a caller-supplied freshness window
//     ([Manager.GetData]).
//   - Media blobs are cached lazily and served as local handles
//     ([Manager.CacheMedia], [Manager.GetMedia]).
//
// Payload bytes are owned by a [storage.Integration] supplied by the host
// platform; see [storage/httpdisk] and [storage/miniostore] for reference
// integrations.
//
// # Quick start
//
//	integration, err := httpdisk.New("/var/lib/player/files")
//	if err != nil {
//	    return err
//	}
//	c, err := cache.New(integration, cache.Config{
//	    Dir:       "/var/lib/player/cache",
//	    Namespace: "main",
//	    Capacity:  500,
//	})
//	if err != nil {
//	    return err
//	}
//	mgr, err := devicecache.New(c, loader,
//	    devicecache.WithNeedsRefresh(reloadPlayer),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Init(ctx); err != nil {
//	    return err
//	}
//	mod, err := mgr.Import(ctx, "https://cdn.example.com/widgets/clock.js")
package devicecache
