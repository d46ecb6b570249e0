// Package listener connects to the event server and plays the audio it
// broadcasts.
//
// A Listener logs in, opens a Socket.IO connection, subscribes to the
// configured channel after every (re)connect and hands each play-audio
// event to a Handler. The Handler filters events for other channels,
// normalizes the payload into fragments routed to the channel's output
// device and queues them on the dispatch queue. Failures in one event are
// logged and never close the connection.
package listener
