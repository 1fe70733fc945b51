// Package moderation screens chat messages before they are relayed. A
// deterministic pattern classifier assigns each message to a rule tier, an
// escalation tracker turns repeated warnings into blocks and bans, and an
// independent scoring pass assigns the durable audit status stored with the
// message.
package moderation
