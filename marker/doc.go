/*
Package marker splices rendered markup into an HTML template using two sentinel comments.

A template carries a head marker and a body marker. The body marker splits the template into the
part sent before the rendered body and the tail sent after it. The head marker, if present, is
replaced with rendered head content. Splitting honors only the first body marker; any further
copies are passed through as literal text.
*/
package marker
