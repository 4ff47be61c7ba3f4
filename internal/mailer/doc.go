// Package mailer renders letter and broadcast mail and hands it to a
// Transport (SMTP via gomail, or the log for development).
package mailer
