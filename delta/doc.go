/*
Package delta computes and applies binary deltas between two snapshots.

The matcher follows the classic bsdiff approach: a suffix array over the
base is searched for the longest match at each position of the target,
approximate matches are extended forwards and backwards, and the result is
emitted as a series of control triples.

    Delta layout:
    +----------------+--------------------+---------------------+---------------------+
    | magic "RBD1"   | compression (byte) | timestamp (varint)  | base size (uvarint) |
    +----------------+--------------------+---------------------+---------------------+
    | base xxhash64  | target size        | target xxhash64     | body                |
    | (8 bytes)      | (uvarint)          | (8 bytes)           |                     |
    +----------------+--------------------+---------------------+---------------------+

    Body (optionally snappy compressed):
    +-----------------------+----------+----------------------+-------+-------------+
    | ctrl len (uvarint)    | ctrl     | diff len (uvarint)   | diff  | extra       |
    +-----------------------+----------+----------------------+-------+-------------+

    Control triple:
    +-------------------------+--------------------------+------------------------+
    | diff length (uvarint)   | extra length (uvarint)   | seek (varint)          |
    +-------------------------+--------------------------+------------------------+

For each triple, diff length bytes of the diff block are added bytewise to
the base at the current position, extra length bytes are copied verbatim
from the extra block, then the base position moves by seek.
*/
package delta
