/*
Package reedbase is an embedded, versioned key/value store for structured
content. Tables are pipe-delimited row files whose history is kept as a
chain of snapshots and binary deltas; lookups go through a pluggable index
backend, either in memory or a disk B+-Tree.

Data Directory

    <data_dir>/
      tables/<name>/
        current.csv                    latest version
        <ts>.snap                      full snapshot
        <ts>.delta                     delta against the preceding version
        version.log                    version metadata, oldest first
        LOCK                           commit lock
      indices/
        <table>.primary.btree          primary index
        <table>.idx.<column>.btree     secondary indices
        registry.yaml                  secondary index definitions

Rows

The first column of a table holds the row key, the second the value
returned by Get. Additional columns may be indexed and queried with Lookup.

    key|value|desc
    page.header.title|Welcome|landing page title
    page.header.title@DE|Willkommen|
    page.header.title@FR|Bienvenue|

Keys may carry an environment suffix. A lookup in environment FR returns
the FR row if present and the suffix-less DEFAULT row otherwise.

Version Log

    +----------------+--------+------+--------------+--------------+
    | timestamp (ns) | action | user | stored bytes | snap / delta |
    +----------------+--------+------+--------------+--------------+

Fields are pipe separated, one version per line, oldest first.

A full snapshot is stored when a table is created and every
snapshot_interval commits. Reconstructing a version replays the deltas
following the nearest preceding snapshot.
*/
package reedbase
