// Package canon provides the canonical value model used to fingerprint request bodies.
//
// A request body is decoded into a Value, a sealed tagged variant with exactly six
// members: Null, Bool, Number, String, Array and Object. Normalize strips volatile
// fields and canonicalises numbers and strings; Marshal serialises the result with
// sorted keys and no insignificant whitespace.
//
// The serialised form is used only for hashing and diffing. It is never a substitute
// for the business payload.
//
// Key properties:
//   - Normalize(Normalize(x)) equals Normalize(x)
//   - object key order in the input never changes the output
//   - denylisted fields (see VolatileFields) never change the output
//   - arrays keep their element order
package canon
