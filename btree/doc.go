/*
Package btree implements a disk-resident B+-Tree with string keys and byte
values. Nodes are kept in an arena of fixed-size pages addressed by a 32-bit
page id. Leaves are chained for ordered range scans.

Data Structure Documentation

File

A file is a sequence of fixed-size pages. Page 0 holds the file header; page
id 0 therefore doubles as the nil reference.

    File layout:
    +--------+--------+--------+-------+--------+
    | header | page 1 | page 2 |  ...  | page n |
    +--------+--------+--------+-------+--------+

    Header (page 0, little-endian):
    +------------------+-----------------+------------------------+-------------------+-------------------+
    | magic (4 bytes)  | version (1 byte)| reserved (3 bytes)     | page size (4)     | order (2) + 2 pad |
    +------------------+-----------------+------------------------+-------------------+-------------------+
    | root id (4)      | page count (4)  | free head (4) + 4 pad  | entries (8)       | xxhash64 (8)      |
    +------------------+-----------------+------------------------+-------------------+-------------------+

Page

Each page starts with a 10 byte header followed by the payload and zero
padding. The payload may be snappy compressed when that saves at least 25%.

    Page layout:
    +-------------+--------------+-----------------------+------------------------+---------+---------+
    | kind (byte) | flags (byte) | payload len (4 bytes) | xxhash32 low (4 bytes) | payload | padding |
    +-------------+--------------+-----------------------+------------------------+---------+---------+

Leaf payload. Keys are prefix compressed against their predecessor:

    +-----------------+--------------------+--------+--------+-------+
    | count (varint)  | next leaf (4 bytes)| cell 1 |  ...   | cell n|
    +-----------------+--------------------+--------+--------+-------+

    Leaf cell:
    +-----------------+-------------------+----------------+------------------+-------+
    | shared (varint) | unshared (varint) | key suffix     | value len (varint)| value |
    +-----------------+-------------------+----------------+------------------+-------+

Internal payload. A node with n separator keys has n+1 children; all keys in
child i are < key i <= all keys in child i+1:

    +-----------------+------------------+--------+-------+--------+
    | count (varint)  | child 0 (varint) | cell 1 |  ...  | cell n |
    +-----------------+------------------+--------+-------+--------+

    Internal cell:
    +-----------------+-------------------+------------+-------------------+
    | shared (varint) | unshared (varint) | key suffix | child i+1 (varint)|
    +-----------------+-------------------+------------+-------------------+

Free pages form a singly linked list starting at the header's free head,
each holding the id of the next free page.
*/
package btree
