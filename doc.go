// Package ews resolves email addresses into the individual mailboxes
// behind them by querying an Exchange Web Services directory.
//
// An address may denote a plain mailbox, a public distribution list or a
// group mailbox. Distribution lists are expanded transitively; group
// mailboxes are expanded one level and only their plain members are kept.
// Cycles between lists are broken by a visited set that is created fresh
// for every top-level call.
//
// # Basic Usage
//
//	// Session talks to the directory
//	session, err := ews.NewSession(
//	    ews.WithCredentials("svc@example.com", password),
//	    ews.WithServer("outlook.office365.com"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Resolver flattens addresses
//	r, err := ews.NewResolver(session, ews.WithSink(memory.New()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close(ctx)
//
//	members, err := r.Resolve(ctx, "team@example.com")
//	for _, addr := range members.Addresses() {
//	    fmt.Println(addr, members[addr].Type)
//	}
//
// # Directory Operations
//
//   - ResolveName: address to a single Mailbox, or nil when unknown
//   - ExpandList: direct members of a list or group
//   - Send: any Operation wrapped in an envelope, for callers that need
//     requests beyond the two above
//
// The directory.Static type implements Directory in memory for tests and
// offline runs.
//
// # Errors
//
// Transport failures are *TransportError and match ErrTransport. Faults
// returned by the directory are *ServiceError and match ErrServiceFault plus
// a sentinel for known response codes such as ErrServerBusy. An unknown
// address is not an error. Limits set with WithMaxAddresses and WithMaxDepth
// produce *LimitError. Any error aborts the whole resolution; no partial
// result is returned.
//
// Requests are not retried unless WithRetry is given.
//
// # Snapshots
//
// Every completed resolution is handed to the sinks given with WithSink as
// a store.Expansion. The store packages (memory, redis, postgres, mongo)
// keep a queryable history and store/otel instruments any of them;
// archive/s3, archive/gcs and archive/file write one object per snapshot.
// Snapshots are never used to answer a resolution.
//
// # Events
//
// Resolvers publish ExpansionCompleted and ResolutionFailed events through
// github.com/rbaliyan/event/v3. Pass WithRedisClient or WithEventTransport
// to deliver them; otherwise a noop transport is used.
//
//	r.Events().ExpansionCompleted.Subscribe(ctx, handler)
package ews
