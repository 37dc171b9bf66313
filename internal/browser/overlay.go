// File: internal/browser/overlay.go
// Description: JavaScript snippets for the debug overlay: numbered click
// highlights, selector markers, and their removal. All overlay nodes carry
// the webpilot-overlay class so clear_highlights can find them again.

package browser

import "fmt"

// highlightJS draws a 30x30 numbered box centered on the click coordinate.
func highlightJS(x, y, number int) string {
	return fmt.Sprintf(`(function() {
	const box = document.createElement('div');
	box.className = 'webpilot-overlay';
	box.style.cssText = 'position:absolute;left:%dpx;top:%dpx;width:30px;height:30px;' +
		'background-color:red;opacity:0.5;border:2px solid red;border-radius:5px;' +
		'display:flex;align-items:center;justify-content:center;color:white;' +
		'font-weight:bold;z-index:10000;pointer-events:none;';
	box.textContent = '%d';
	document.body.appendChild(box);
})()`, x-15, y-15, number)
}

// clearHighlightsJS removes every overlay element webpilot has added.
const clearHighlightsJS = `document.querySelectorAll('.webpilot-overlay').forEach(el => el.remove())`

// selectorQueries maps an element_types filter to the CSS query used to find
// candidate elements.
var selectorQueries = map[string]string{
	"buttons":     `button, input[type='button'], input[type='submit'], [role='button']`,
	"inputs":      `input, textarea, select`,
	"links":       `a[href]`,
	"interactive": `button, input, textarea, select, a[href], [onclick], [role='button'], [tabindex]:not([tabindex='-1'])`,
	"all":         `button, input, textarea, select, a, [onclick], [role='button'], [role='link'], [tabindex]:not([tabindex='-1'])`,
}

// showSelectorsJS builds the script that marks visible elements of the
// requested types with colored, numbered dots. The dot's title holds the best
// CSS selector for the element. The script evaluates to the marker count.
func showSelectorsJS(elementTypes string) string {
	query, ok := selectorQueries[elementTypes]
	if !ok {
		query = selectorQueries["interactive"]
	}
	return fmt.Sprintf(`(function() {
	const elements = document.querySelectorAll(%q);
	let count = 0;
	elements.forEach(el => {
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) return;

		let selector = '';
		if (el.id) {
			selector = '#' + el.id;
		} else if (el.className && typeof el.className === 'string' && el.className.trim()) {
			selector = el.tagName.toLowerCase() + '.' + el.className.trim().split(/\s+/).slice(0, 2).join('.');
		} else {
			selector = el.tagName.toLowerCase();
			if (el.type) selector += '[type="' + el.type + '"]';
			if (el.name) selector += '[name="' + el.name + '"]';
		}

		const tag = el.tagName.toLowerCase();
		let color = '#9c27b0';
		if (tag === 'button' || el.type === 'button' || el.type === 'submit' || el.getAttribute('role') === 'button') {
			color = '#2196f3';
		} else if (tag === 'input' || tag === 'textarea' || tag === 'select') {
			color = '#4caf50';
		} else if (tag === 'a') {
			color = '#ff9800';
		}

		count++;
		const dot = document.createElement('div');
		dot.className = 'webpilot-overlay';
		dot.title = selector;
		dot.style.cssText = 'position:absolute;left:' + (rect.left + window.scrollX + rect.width / 2 - 8) + 'px;' +
			'top:' + (rect.top + window.scrollY + rect.height + 4) + 'px;' +
			'width:16px;height:16px;background-color:' + color + ';border:2px solid white;' +
			'border-radius:50%%;z-index:10001;color:white;font-size:10px;font-weight:bold;' +
			'font-family:Arial,sans-serif;display:flex;align-items:center;justify-content:center;line-height:1;';
		dot.textContent = count;
		document.body.appendChild(dot);
	});
	return count;
})()`, query)
}
