/*
Package matrix encodes typed values into single text cells and reads and
writes delimited row files made of them.

Value Shapes

The shape of a cell is inferred from its text:

    hello                  Single
    a,b,c                  List
    active[rw-]            Modified
    text[rwx],route[rw-]   ModifiedList

A cell with a comma outside brackets and at least one '[' is a ModifiedList,
split at top-level commas. Otherwise a cell containing both '[' and ']' is
Modified and a cell containing ',' is a List. Anything else is Single.
Modifiers are a comma separated suffix in square brackets and keep their order.

Row Files

    key|value|desc
    # comments and blank lines are skipped
    page.title@DE|Willkommen|German title
    page.title|Welcome|

The first non-comment line names the columns. A trailing "desc" or
"description" column holds the optional record description.
*/
package matrix
