/*
Package rbks validates, parses and normalizes structured keys.

Key Format

A structured key is a dotted path of 2 to 8 lowercase segments, optionally
followed by a modifier block in angle brackets:

    page.header.title
    page.header.title<de,prod>
    landing.hero.image<en,christmas,mobile,campaign-a>

    +-----------+---+-----------+---+-----+---+------------------------------+
    | segment 1 | . | segment 2 | . | ... | < | modifier , modifier , ... >  |
    +-----------+---+-----------+---+-----+---+------------------------------+

Segments and modifiers consist of [a-z0-9_-]. Modifiers are order independent.

Modifier Categories

Each modifier is classified against closed vocabularies:

    language     ISO 639-1 code (de, en, fr, ...)     at most one
    environment  dev, prod, staging, test             at most one
    season       christmas, easter, summer, ...       at most one
    variant      mobile, desktop, tablet              at most one
    custom       anything else                        unlimited

Normalization lower-cases the key and re-orders modifiers into the canonical
category order above, with custom modifiers sorted and de-duplicated.
*/
package rbks
