// Package password hashes user-record passwords with Argon2id and enforces a byte-length
// policy before hashing.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// [Hasher.NeedsUpgrade] reports hashes made with weaker parameters so callers can rehash
// after the next successful sign-in.
//
// This package never stores passwords and never logs them.
package password
