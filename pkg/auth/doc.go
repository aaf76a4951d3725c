// Package auth stores provider session profiles.
//
// A profile holds the session cookie of a logged-in account. Profiles are
// saved in the system keychain when one is available and otherwise in an
// encrypted file under the user's config directory; a read-only profile
// can also come from TIKFETCH_SESSION_ID.
package auth
