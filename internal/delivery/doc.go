// Package delivery consumes letter.deliver jobs: it re-reads the letter,
// decrypts it, hands it to the mail transport and records the outcome.
//
// A job only acts on a letter it still owns. Letters carry the id of the job
// currently responsible for them; anything else is a superseded job and
// completes without sending.
package delivery
