// Package soltools and its sub-packages implement a blockchain analytics aggregator: bulk wallet analysis and live
// monitoring over Solana, Ethereum and a set of third-party data providers.
/*
soltools provides you with two microservices and a command line tool:

1) an api microservice (package service) that implements a RESTful API to list the modules and their state, run bulk
 wallet analyses and request targets to be watched.

2) a watcher microservice (package watcher) that runs a monitor session for every watched wallet, token or channel
 and publishes the events they deliver.

3) a bulk command (cmd/bulk) running one bulk operation of a module over a list of targets read from a file.

Architecture

Every data source is a module (package adapter and its sub-packages) with the same lifecycle: it is initialized when
its credentials are present, validated against its provider and cleaned up on exit. Modules share a resource pool
(package lib/pool) handing out leases over direct connections or rotating proxies under a per-endpoint rate budget. Bulk
operations run on a bounded worker engine (package lib/engine) that retries failed attempts according to a retry
policy (package lib/retry), and report one outcome per target in input order. Monitors (package lib/monitor) are
sessions over a polled or streamed source that persist a cursor after each delivered event, so they resume where they
stopped.

The api and watcher services communicate via a message broker. The api forwards LISTEN and UNLISTEN requests to the
broker, the watcher consumes them, keeps the watch list of every module in the database and starts or stops the
sessions. Events are published to the broker and optionally to Kafka and a Telegram chat. The message broker is
implemented as a product agnostic layer (package lib/msg) and the database too (package lib/store) with file, MongoDB
and PostgreSQL backends.

The services can be monitored via a Prometheus API by setting the flag "-m" at startup.

Modules

	solana    wallet analysis over Helius and the RPC node, wallet and token monitors
	ethereum  wallet analysis and time window search over Etherscan, wallet monitor
	dune      query results download in batches, CSV column parsing
	gmgn      market cap charts, wallet statistics and PnL distribution, token monitor
	sharp     BullX portfolio checker, wallet splitter, CSV merger and PnL filter
	telegram  bot notifier, public channel scraper and channel monitor

Configuration is read from a JSON or YAML file given with "-c", then from a .env file and the environment, which hold
the API keys of the modules.
*/
package soltools
