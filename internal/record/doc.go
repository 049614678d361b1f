// Package record defines the value model for migration records.
//
// A record body is an Object: string keys mapping to scalars, nested
// objects, arrays, or PromiseRef placeholders. Placeholders stand in for
// values (usually URIs) that are not known when the record is built; they
// are replaced during emission by looking up the promise store.
//
// Two encodings exist:
//   - The persisted form (MarshalJSON / UnmarshalValue) keeps placeholders
//     as {"_promise":{"type":<kind>,"id":<source id>}} so records survive a
//     round trip through the keyed store.
//   - The output form (Encode) refuses placeholders, so an unresolved value
//     can never flow silently into an import file.
package record
